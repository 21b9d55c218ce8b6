package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// InstanceID identifies this controller to the assignment
	// service. Generated when empty.
	InstanceID string `mapstructure:"instance_id"`

	// BindingSecret signs binding tokens. AuthKey verifies the auth
	// controller's identity tokens. Both are required at startup.
	BindingSecret string `mapstructure:"binding_secret"`
	AuthKey       string `mapstructure:"auth_key"`

	// RedisAddr selects the fenced store. Empty means the in-process
	// store, which is only safe for a single-instance deployment.
	RedisAddr string `mapstructure:"redis_addr"`

	AssignmentURL string `mapstructure:"assignment_url"`

	// Policy constants. Skew and the nonce window trade jitter
	// forgiveness against the replay window; grace trades seat
	// retention against dead-seat lifetime.
	BindingTokenTTL  time.Duration `mapstructure:"binding_token_ttl"`
	BindingClockSkew time.Duration `mapstructure:"binding_clock_skew"`
	GracePeriod      time.Duration `mapstructure:"disconnect_grace_period"`
	MeetingDrain     time.Duration `mapstructure:"meeting_drain_window"`
	InstanceDrain    time.Duration `mapstructure:"instance_drain_window"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatFailures int           `mapstructure:"heartbeat_max_failures"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("binding_token_ttl", "10s")
	v.SetDefault("binding_clock_skew", "5s")
	v.SetDefault("disconnect_grace_period", "30s")
	v.SetDefault("meeting_drain_window", "5s")
	v.SetDefault("instance_drain_window", "15s")
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("heartbeat_timeout", "3s")
	v.SetDefault("heartbeat_max_failures", 3)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.BindingSecret == "" {
		return nil, fmt.Errorf("binding_secret is required")
	}
	if cfg.AuthKey == "" {
		return nil, fmt.Errorf("auth_key is required")
	}
	return &cfg, nil
}
