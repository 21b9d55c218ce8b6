package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/observability"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDraining HealthStatus = "DRAINING"
)

// Heartbeat is this instance's periodic load report to the assignment
// service.
type Heartbeat struct {
	InstanceID  string       `json:"instance_id"`
	Meetings    int          `json:"meetings"`
	Connections int          `json:"connections"`
	Status      HealthStatus `json:"health_status"`
}

// AssignmentService is the global controller as seen from here. The
// client handle is shared across callers without extra locking.
type AssignmentService interface {
	ReportHealth(ctx context.Context, hb Heartbeat) error
}

// HeartbeatTask reports health on an interval. Transient failures are
// retried with doubling backoff inside the interval; repeated failure
// degrades the reported status instead of crashing anything. Live
// meetings are never dropped because the assignment channel is down.
type HeartbeatTask struct {
	InstanceID  string
	Service     AssignmentService
	Registry    *Registry
	Interval    time.Duration
	CallTimeout time.Duration
	// MaxFailures is how many consecutive failed reports flip the
	// status to DEGRADED.
	MaxFailures int
	Metrics     *observability.Metrics

	failures int
}

// Run blocks until ctx is done.
func (t *HeartbeatTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

func (t *HeartbeatTask) beat(ctx context.Context) {
	meetings, connections := t.Registry.Load(ctx)
	hb := Heartbeat{
		InstanceID:  t.InstanceID,
		Meetings:    meetings,
		Connections: connections,
		Status:      t.status(),
	}

	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, t.CallTimeout)
		err := t.Service.ReportHealth(callCtx, hb)
		cancel()
		if err == nil {
			if t.failures > 0 {
				log.Info().Str("module", "app.health").Msg("heartbeat recovered")
			}
			t.failures = 0
			return
		}

		t.Metrics.HeartbeatFailures.Inc()
		log.Warn().Err(err).Str("module", "app.health").Int("attempt", attempt).Msg("heartbeat failed")

		// Stay within this tick: two bounded retries, then give up
		// and count a consecutive failure.
		if attempt >= 2 {
			t.failures++
			if t.failures == t.MaxFailures {
				log.Error().Str("module", "app.health").Int("failures", t.failures).
					Msg("assignment service unreachable, degrading health")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (t *HeartbeatTask) status() HealthStatus {
	if t.Registry.Draining() {
		return HealthDraining
	}
	if t.MaxFailures > 0 && t.failures >= t.MaxFailures {
		return HealthDegraded
	}
	return HealthHealthy
}
