// Package metrics exposes the hub's Prometheus instrumentation. All metrics
// live on a private registry so tests can create isolated instances; the
// façade serves the registry at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the hub records.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchedTotal counts admitted requests by backend (local, remote, command).
	DispatchedTotal *prometheus.CounterVec

	// CompletedTotal counts terminal completed transitions by backend.
	CompletedTotal *prometheus.CounterVec

	// FailedTotal counts execution failures by backend and retry decision.
	FailedTotal *prometheus.CounterVec

	// TicksTotal counts scheduler passes, including on-demand ones.
	TicksTotal prometheus.Counter

	// EscalationsTotal counts escalation requests written.
	EscalationsTotal prometheus.Counter

	// InFlight tracks currently executing requests.
	InFlight prometheus.Gauge

	// WSClients tracks connected façade WebSocket clients.
	WSClients prometheus.Gauge

	// AttemptDuration observes wall-clock seconds per execution attempt.
	AttemptDuration prometheus.Histogram
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accord_requests_dispatched_total",
			Help: "Requests admitted by the dispatcher, by backend.",
		}, []string{"backend"}),
		CompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accord_requests_completed_total",
			Help: "Requests that reached the completed status, by backend.",
		}, []string{"backend"}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accord_requests_failed_total",
			Help: "Execution failures, by backend and whether a retry follows.",
		}, []string{"backend", "will_retry"}),
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "accord_scheduler_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "accord_escalations_total",
			Help: "Escalation requests written to the orchestrator inbox.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accord_requests_in_flight",
			Help: "Requests currently executing.",
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accord_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		AttemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "accord_attempt_duration_seconds",
			Help:    "Wall-clock duration of execution attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
