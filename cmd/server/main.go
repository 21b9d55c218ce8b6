package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/adapters"
	router "github.com/meetmesh/meetmesh/internal/adapters/http"
	"github.com/meetmesh/meetmesh/internal/app"
	"github.com/meetmesh/meetmesh/internal/auth"
	"github.com/meetmesh/meetmesh/internal/binding"
	"github.com/meetmesh/meetmesh/internal/config"
	"github.com/meetmesh/meetmesh/internal/core"
	"github.com/meetmesh/meetmesh/internal/fence"
	"github.com/meetmesh/meetmesh/internal/nonce"
	"github.com/meetmesh/meetmesh/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "mc-" + uuid.NewString()
	}

	var store fence.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("fenced store unreachable")
		}
		store = fence.NewRedisStore(rdb)
	} else {
		log.Warn().Msg("no redis_addr configured, using in-process fenced store")
		store = fence.NewMemoryStore()
	}

	codec := binding.NewCodec([]byte(cfg.BindingSecret), cfg.BindingTokenTTL, cfg.BindingClockSkew)
	nonces := nonce.NewTracker(store, cfg.BindingTokenTTL, cfg.BindingClockSkew)
	verifier := auth.NewVerifier([]byte(cfg.AuthKey))

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	registry := app.NewRegistry(core.ActorConfig{
		GracePeriod: cfg.GracePeriod,
		DrainWindow: cfg.MeetingDrain,
	}, store, codec, nonces, metrics)

	if cfg.AssignmentURL != "" {
		heartbeat := &app.HeartbeatTask{
			InstanceID:  cfg.InstanceID,
			Service:     adapters.NewAssignmentClient(cfg.AssignmentURL),
			Registry:    registry,
			Interval:    cfg.HeartbeatInterval,
			CallTimeout: cfg.HeartbeatTimeout,
			MaxFailures: cfg.HeartbeatFailures,
			Metrics:     metrics,
		}
		go heartbeat.Run(ctx)
	} else {
		log.Warn().Msg("no assignment_url configured, heartbeats disabled")
	}

	ctl := &adapters.SignalController{Registry: registry, Verifier: verifier, Metrics: metrics}
	r := router.SetupRouter(ctx, cfg, ctl, registry, promReg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("meeting controller started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.InstanceDrain)
	registry.Drain(drainCtx, cfg.InstanceDrain)
	drainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
