package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records store operation counts and latencies.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the store collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edjab",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations by outcome",
			},
			[]string{"table", "op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edjab",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Store operation duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"table", "op"},
		),
	}
	for _, c := range []prometheus.Collector{m.operations, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(table, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(table, op, outcome).Inc()
	m.duration.WithLabelValues(table, op).Observe(d.Seconds())
}
