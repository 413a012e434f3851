package consensus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the consensus engine.
type Metrics struct {
	ProposalsTotal   *prometheus.CounterVec
	VotesTotal       *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	CollusionPairs   prometheus.Gauge
	AttritionAborts  prometheus.Counter
}

// NewMetrics registers and returns consensus metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProposalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_consensus_proposals_total",
			Help: "Proposal attempts by result.",
		}, []string{"result"}),
		VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_consensus_votes_total",
			Help: "Votes by result.",
		}, []string{"result"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palisade_consensus_decisions_total",
			Help: "Completed proposals by final state.",
		}, []string{"state"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "palisade_consensus_decision_seconds",
			Help:    "Time from proposal to decision in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~43m
		}),
		CollusionPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palisade_consensus_collusion_pairs",
			Help: "Voter pairs flagged by the most recent collusion audit.",
		}),
		AttritionAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palisade_consensus_attrition_aborts_total",
			Help: "Proposals aborted because quorum became unreachable through attrition.",
		}),
	}

	reg.MustRegister(
		m.ProposalsTotal,
		m.VotesTotal,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.CollusionPairs,
		m.AttritionAborts,
	)

	return m
}

// Hooks returns engine Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnPropose: func(accepted bool) {
			result := "accepted"
			if !accepted {
				result = "rejected"
			}
			m.ProposalsTotal.WithLabelValues(result).Inc()
		},
		OnVote: func(result string) {
			m.VotesTotal.WithLabelValues(result).Inc()
		},
		OnDecision: func(p Proposal) {
			m.DecisionsTotal.WithLabelValues(string(p.State)).Inc()
			if !p.DecidedAt.IsZero() {
				m.DecisionDuration.Observe(p.DecidedAt.Sub(p.CreatedAt).Seconds())
			}
		},
		OnAudit: func(pairs []CollusionPair, aborted int) {
			m.CollusionPairs.Set(float64(len(pairs)))
			m.AttritionAborts.Add(float64(aborted))
		},
	}
}
