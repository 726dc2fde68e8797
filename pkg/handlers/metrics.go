package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch results
const (
	resultApplied = "applied"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// Metrics holds Prometheus metrics for handler dispatch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	applications *prometheus.CounterVec
	unhandled    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics registers handler metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		applications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "market_indexer",
				Subsystem: "handlers",
				Name:      "applications_total",
				Help:      "Handler applications by event kind and result",
			},
			[]string{"kind", "result"},
		),
		unhandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "market_indexer",
				Subsystem: "handlers",
				Name:      "unhandled_total",
				Help:      "Events without a registered handler, by kind",
			},
			[]string{"kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "market_indexer",
				Subsystem: "handlers",
				Name:      "duration_seconds",
				Help:      "Handler latency by event kind",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) observe(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.applications.WithLabelValues(kind, result).Inc()
	if result != resultSkipped {
		m.duration.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) unhandledInc(kind string) {
	if m == nil {
		return
	}
	m.unhandled.WithLabelValues(kind).Inc()
}
