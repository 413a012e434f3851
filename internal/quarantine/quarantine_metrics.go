package quarantine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/palisade/internal/node"
)

// Metrics holds Prometheus metrics for the quarantine orchestrator.
type Metrics struct {
	CreatedTotal     *prometheus.CounterVec
	FailedTotal      *prometheus.CounterVec
	TerminatedTotal  *prometheus.CounterVec
	HealingSteps     *prometheus.CounterVec
	ScalingTotal     *prometheus.CounterVec
	NodeInitFailures prometheus.Counter
	Active           prometheus.Gauge
	Effectiveness    prometheus.Histogram
}

// NewMetrics registers and returns quarantine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_quarantine_created_total",
			Help: "Quarantine environments created, by isolation level.",
		}, []string{"level"}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_quarantine_creation_failures_total",
			Help: "Failed quarantine creations, by reason.",
		}, []string{"reason"}),
		TerminatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_quarantine_terminated_total",
			Help: "Quarantine environments torn down, by reason.",
		}, []string{"reason"}),
		HealingSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_quarantine_healing_steps_total",
			Help: "Healing steps, by the level stepped down to.",
		}, []string{"to"}),
		ScalingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_quarantine_scaling_total",
			Help: "Participants added or removed by the monitor loop.",
		}, []string{"direction"}),
		NodeInitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palisade_quarantine_node_init_failures_total",
			Help: "Participants that failed to initialize in otherwise successful creations.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palisade_quarantine_active",
			Help: "Currently running quarantine environments.",
		}),
		Effectiveness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "palisade_quarantine_isolation_effectiveness",
			Help:    "Isolation effectiveness readings from monitor passes.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}

	reg.MustRegister(
		m.CreatedTotal,
		m.FailedTotal,
		m.TerminatedTotal,
		m.HealingSteps,
		m.ScalingTotal,
		m.NodeInitFailures,
		m.Active,
		m.Effectiveness,
	)

	return m
}

// Hooks returns orchestrator Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCreate: func(env Environment, failedNodes int) {
			m.CreatedTotal.WithLabelValues(env.Level.String()).Inc()
			m.NodeInitFailures.Add(float64(failedNodes))
			m.Active.Inc()
		},
		OnCreateFailed: func(_ Request, reason string) {
			m.FailedTotal.WithLabelValues(reason).Inc()
		},
		OnTerminate: func(_ Environment, reason string) {
			m.TerminatedTotal.WithLabelValues(reason).Inc()
			m.Active.Dec()
		},
		OnHeal: func(_ Environment, _, to Level) {
			m.HealingSteps.WithLabelValues(to.String()).Inc()
		},
		OnScale: func(_ Environment, direction string, _ node.ID) {
			m.ScalingTotal.WithLabelValues(direction).Inc()
		},
		OnCheck: func(env Environment) {
			m.Effectiveness.Observe(env.Health.Effectiveness)
		},
	}
}
