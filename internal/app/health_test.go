package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/meetmesh/internal/observability"
)

// recordingService captures heartbeats and fails on demand.
type recordingService struct {
	beats []Heartbeat
	fail  bool
}

func (s *recordingService) ReportHealth(_ context.Context, hb Heartbeat) error {
	if s.fail {
		return errors.New("assignment service unreachable")
	}
	s.beats = append(s.beats, hb)
	return nil
}

func newHeartbeatTask(t *testing.T, svc AssignmentService) *HeartbeatTask {
	t.Helper()
	return &HeartbeatTask{
		InstanceID:  "mc-test-1",
		Service:     svc,
		Registry:    newTestRegistry(t),
		Interval:    time.Hour,
		CallTimeout: 100 * time.Millisecond,
		MaxFailures: 2,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
	}
}

func TestHeartbeatReportsLoad(t *testing.T) {
	svc := &recordingService{}
	task := newHeartbeatTask(t, svc)

	task.beat(context.Background())
	require.Len(t, svc.beats, 1)
	assert.Equal(t, "mc-test-1", svc.beats[0].InstanceID)
	assert.Equal(t, HealthHealthy, svc.beats[0].Status)
}

func TestHeartbeatDegradesAfterRepeatedFailure(t *testing.T) {
	svc := &recordingService{fail: true}
	task := newHeartbeatTask(t, svc)
	ctx := context.Background()

	// Each beat exhausts its bounded retries and counts one failure.
	task.beat(ctx)
	assert.Equal(t, HealthHealthy, task.status())
	task.beat(ctx)
	assert.Equal(t, HealthDegraded, task.status())

	// Recovery resets the failure streak.
	svc.fail = false
	task.beat(ctx)
	assert.Equal(t, HealthHealthy, task.status())
	require.NotEmpty(t, svc.beats)
	// The beat sent while degraded carries the degraded status.
	assert.Equal(t, HealthDegraded, svc.beats[len(svc.beats)-1].Status)
}

func TestHeartbeatReportsDraining(t *testing.T) {
	svc := &recordingService{}
	task := newHeartbeatTask(t, svc)
	ctx := context.Background()

	task.Registry.Drain(ctx, 50*time.Millisecond)
	task.beat(ctx)
	require.Len(t, svc.beats, 1)
	assert.Equal(t, HealthDraining, svc.beats[0].Status)
}
