// Package observability exposes the controller's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the controller-level signals the assignment service
// and operators care about: live load, join/reconnect outcomes, and
// how often this instance loses meeting ownership.
type Metrics struct {
	// ActiveMeetings gauges meetings currently owned by this instance.
	ActiveMeetings prometheus.Gauge

	// ActiveConnections gauges participants in Active state across
	// all owned meetings.
	ActiveConnections prometheus.Gauge

	// JoinCounter counts join attempts.
	// Labels: outcome (ok|rejected|full|error)
	JoinCounter *prometheus.CounterVec

	// ReconnectCounter counts reconnect attempts.
	// Labels: outcome (ok|resume_failed|not_found|error)
	ReconnectCounter *prometheus.CounterVec

	// FencedOutCounter counts mutations refused because another
	// instance took over the meeting.
	FencedOutCounter prometheus.Counter

	// HeartbeatFailures counts failed reports to the assignment
	// service. Sustained growth downgrades health.
	HeartbeatFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveMeetings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mc_active_meetings",
			Help: "Meetings currently owned by this controller instance.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mc_active_connections",
			Help: "Participants currently connected across owned meetings.",
		}),
		JoinCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_joins_total",
			Help: "Join attempts by outcome.",
		}, []string{"outcome"}),
		ReconnectCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_reconnects_total",
			Help: "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		FencedOutCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "mc_fenced_out_total",
			Help: "Mutations refused because meeting ownership moved.",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mc_heartbeat_failures_total",
			Help: "Failed heartbeat reports to the assignment service.",
		}),
	}
}
