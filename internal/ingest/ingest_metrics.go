package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for behavior ingestion.
type Metrics struct {
	RecordsTotal  *prometheus.CounterVec
	BatchDuration prometheus.Histogram
}

// NewMetrics registers and returns ingestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_ingest_records_total",
			Help: "Behavior records by network and outcome.",
		}, []string{"network", "outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "palisade_ingest_batch_duration_seconds",
			Help:    "Time to ingest one batch, including adaptation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms .. ~8s
		}),
	}
	reg.MustRegister(m.RecordsTotal, m.BatchDuration)
	return m
}

// Hooks returns adapter Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRecord: func(networkID, outcome string) {
			m.RecordsTotal.WithLabelValues(networkID, outcome).Inc()
		},
		OnBatch: func(_ int, took time.Duration) {
			m.BatchDuration.Observe(took.Seconds())
		},
	}
}
