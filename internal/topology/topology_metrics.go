package topology

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/palisade/internal/node"
)

// Metrics holds Prometheus metrics for the trust graph.
type Metrics struct {
	SignalsTotal       *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	AdaptationsTotal   prometheus.Counter
	RouteUpdatesTotal  prometheus.Counter
	Nodes              *prometheus.GaugeVec
	NetworkEfficiency  prometheus.Gauge
	EscalationsPerTick prometheus.Histogram
}

// NewMetrics registers and returns topology metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_signals_total",
			Help: "Behavioral signals observed by outcome.",
		}, []string{"outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_node_transitions_total",
			Help: "Node state transitions.",
		}, []string{"from", "to"}),
		AdaptationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palisade_topology_adaptations_total",
			Help: "Completed topology adaptation runs.",
		}),
		RouteUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palisade_topology_route_updates_total",
			Help: "Routing table entries changed by adaptation.",
		}),
		Nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "palisade_nodes",
			Help: "Nodes by trust state.",
		}, []string{"state"}),
		NetworkEfficiency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palisade_network_efficiency",
			Help: "Fraction of nodes that are not isolated.",
		}),
		EscalationsPerTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "palisade_topology_escalations",
			Help:    "Nodes quarantined or isolated per adaptation run.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.TransitionsTotal,
		m.AdaptationsTotal,
		m.RouteUpdatesTotal,
		m.Nodes,
		m.NetworkEfficiency,
		m.EscalationsPerTick,
	)

	return m
}

// Hooks returns graph Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSignal: func(applied bool) {
			outcome := "applied"
			if !applied {
				outcome = "ignored"
			}
			m.SignalsTotal.WithLabelValues(outcome).Inc()
		},
		OnTransition: func(_ node.ID, from, to node.State) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnAdapt: func(r AdaptResult, h Health) {
			m.AdaptationsTotal.Inc()
			m.RouteUpdatesTotal.Add(float64(r.RoutesUpdated))
			m.EscalationsPerTick.Observe(float64(len(r.Isolated) + len(r.Quarantined)))
			m.Nodes.WithLabelValues(string(node.StateHealthy)).Set(float64(h.Healthy))
			m.Nodes.WithLabelValues(string(node.StateSuspicious)).Set(float64(h.Suspicious))
			m.Nodes.WithLabelValues(string(node.StateQuarantined)).Set(float64(h.Quarantined))
			m.Nodes.WithLabelValues(string(node.StateIsolated)).Set(float64(h.Isolated))
			m.Nodes.WithLabelValues(string(node.StateRecovering)).Set(float64(h.Recovering))
			m.NetworkEfficiency.Set(h.Efficiency)
		},
	}
}
