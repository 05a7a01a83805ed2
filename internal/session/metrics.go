package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session store and sweeper.
type Metrics struct {
	Created       prometheus.Counter
	Removed       *prometheus.CounterVec // reason: "cleanup" or "expired"
	SweepDuration prometheus.Histogram
	Active        prometheus.Gauge // Sessions on disk; moved by Create and Remove, resynced by each sweep.
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created by uploads.",
		}),
		Removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "session",
			Name:      "removed_total",
			Help:      "Total session directories removed.",
		}, []string{"reason"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexus",
			Subsystem: "session",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each expiry sweep.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "session",
			Name:      "active",
			Help:      "Session directories currently present.",
		}),
	}

	reg.MustRegister(
		m.Created,
		m.Removed,
		m.SweepDuration,
		m.Active,
	)

	return m
}
