package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "market_indexer"
	metricsSubsystem = "feed"
)

// Metrics holds Prometheus metrics for the reconciled event feed.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decoded       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	size          prometheus.Gauge
	resubscribes  prometheus.Counter
	historicalErr prometheus.Counter
}

// NewMetrics registers feed metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decoded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "events_decoded_total",
				Help:      "Logs decoded into events, by event kind and origin",
			},
			[]string{"kind", "origin"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "logs_dropped_total",
				Help:      "Logs dropped before entering the feed, by reason",
			},
			[]string{"reason"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "duplicates_total",
				Help:      "Logs already present in the feed, by origin",
			},
			[]string{"origin"},
		),
		size: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "events",
				Help:      "Events currently held in the feed",
			},
		),
		resubscribes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "resubscribes_total",
				Help:      "Live log subscriptions re-established after an error",
			},
		),
		historicalErr: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "historical_failures_total",
				Help:      "Historical fetches that failed",
			},
		),
	}
}

func (m *Metrics) eventDecoded(kind string, origin Origin) {
	if m == nil {
		return
	}
	m.decoded.WithLabelValues(kind, string(origin)).Inc()
}

func (m *Metrics) logDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) duplicate(origin Origin) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(string(origin)).Inc()
}

func (m *Metrics) setSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}

func (m *Metrics) resubscribed() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}

func (m *Metrics) historicalFailed() {
	if m == nil {
		return
	}
	m.historicalErr.Inc()
}
