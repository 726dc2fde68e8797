package webhook

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for webhook ingestion.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	decodeFailure *prometheus.CounterVec
}

// NewMetrics registers webhook metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "market_indexer",
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Webhook deliveries by response status",
			},
			[]string{"status"},
		),
		decodeFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "market_indexer",
				Subsystem: "webhook",
				Name:      "decode_failures_total",
				Help:      "Delivered logs that could not be decoded, by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) request(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) decodeFailed(reason string) {
	if m == nil {
		return
	}
	m.decodeFailure.WithLabelValues(reason).Inc()
}
