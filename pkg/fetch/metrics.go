package fetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "market_indexer"
	metricsSubsystem = "fetch"
)

// Metrics holds Prometheus metrics for historical log fetching.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	logs      *prometheus.CounterVec
	exhausted prometheus.Counter
	capped    *prometheus.CounterVec
}

// NewMetrics registers fetch metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "attempts_total",
				Help:      "Log source attempts by source and result",
			},
			[]string{"source", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of log source attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		logs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "logs_total",
				Help:      "Raw logs returned by each source",
			},
			[]string{"source"},
		),
		exhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "exhausted_total",
				Help:      "Historical fetches where every source failed",
			},
		),
		capped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "range_capped_total",
				Help:      "Requests whose block range was narrowed to the source limit",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) observeAttempt(source string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.attempts.WithLabelValues(source, result).Inc()
	m.duration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) observeLogs(source string, n int) {
	if m == nil {
		return
	}
	m.logs.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) exhaustedInc() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) rangeCapped(source string) {
	if m == nil {
		return
	}
	m.capped.WithLabelValues(source).Inc()
}
