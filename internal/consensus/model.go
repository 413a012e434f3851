package consensus

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/palisade/internal/node"
)

// ProposalID identifies a proposal.
type ProposalID string

// Payload is the opaque action a proposal carries.
type Payload = json.RawMessage

// State is where a proposal sits in the round.
type State string

const (
	StateUnknown   State = "unknown"
	StateProposing State = "proposing"
	StateVoting    State = "voting"
	// StateDeciding is reserved. Termination is checked inside the vote that
	// triggers it, so the state is never observable.
	StateDeciding  State = "deciding"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further votes are accepted.
func (s State) Terminal() bool { return s == StateCommitted || s == StateAborted }

// Proposal is a snapshot of a consensus round.
type Proposal struct {
	ID                    ProposalID         `json:"id"`
	Proposer              node.ID            `json:"proposer"`
	Content               Payload            `json:"content"`
	CreatedAt             time.Time          `json:"created_at"`
	RequiredConfirmations int                `json:"required_confirmations"`
	Confirmations         []node.ID          `json:"confirmations"`
	Rejections            map[node.ID]string `json:"rejections"`
	State                 State              `json:"state"`
	DecidedAt             time.Time          `json:"decided_at,omitzero"`
	AbortReason           string             `json:"abort_reason,omitempty"`
}

// Votes returns each voter's decision, true for approval.
func (p *Proposal) Votes() map[node.ID]bool {
	out := make(map[node.ID]bool, len(p.Confirmations)+len(p.Rejections))
	for _, v := range p.Confirmations {
		out[v] = true
	}
	for v := range p.Rejections {
		out[v] = false
	}
	return out
}

// CollusionPair is two voters whose recent votes are suspiciously correlated.
type CollusionPair struct {
	A           node.ID `json:"a"`
	B           node.ID `json:"b"`
	Correlation float64 `json:"correlation"`
	Samples     int     `json:"samples"`
}

// Stats summarizes recent consensus performance and network resilience.
type Stats struct {
	TotalAttempts        int     `json:"total_attempts"`
	Committed            int     `json:"committed"`
	Aborted              int     `json:"aborted"`
	SuccessRate          float64 `json:"success_rate"`
	AvgDecisionSeconds   float64 `json:"avg_decision_seconds"`
	ActiveProposals      int     `json:"active_proposals"`
	TotalNodes           int     `json:"total_nodes"`
	AverageTrust         float64 `json:"average_trust"`
	TrustVariance        float64 `json:"trust_variance"`
	NodesAboveThreshold  int     `json:"nodes_above_threshold"`
	CompromisedNodes     int     `json:"compromised_nodes"`
	MaxTolerableFaults   int     `json:"max_tolerable_faults"`
	FaultToleranceMargin int     `json:"fault_tolerance_margin"`
	Resilient            bool    `json:"resilient"`
	ConsensusCapable     bool    `json:"consensus_capable"`
}

// TrustSource supplies the trust values consensus decisions are weighed by.
// *topology.Graph implements it.
type TrustSource interface {
	TrustOf(id node.ID) (float64, bool)
	NodeIDs() []node.ID
}

// Config holds consensus thresholds.
type Config struct {
	FaultToleranceRatio    float64
	MinConsensusNodes      int
	ParticipationThreshold float64
	ProposalThreshold      float64
	// HistorySize bounds the ring of completed proposals.
	HistorySize int
	// CollusionWindow is how many recent completed proposals collusion analysis reads.
	CollusionWindow int
	// CollusionThreshold is the correlation above which a pair is flagged.
	CollusionThreshold float64
	// CollusionMinSamples is the fewest shared votes a pair needs to be compared.
	CollusionMinSamples int
	// StatsWindow is how many recent completed proposals Stats reads.
	StatsWindow int
	// Seed makes attack strategies reproducible when non-zero.
	Seed uint64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FaultToleranceRatio:    1.0 / 3.0,
		MinConsensusNodes:      3,
		ParticipationThreshold: 0.3,
		ProposalThreshold:      0.6,
		HistorySize:            1000,
		CollusionWindow:        20,
		CollusionThreshold:     0.8,
		CollusionMinSamples:    5,
		StatsWindow:            50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FaultToleranceRatio <= 0 || c.FaultToleranceRatio >= 1 {
		c.FaultToleranceRatio = d.FaultToleranceRatio
	}
	if c.MinConsensusNodes <= 0 {
		c.MinConsensusNodes = d.MinConsensusNodes
	}
	if c.ParticipationThreshold <= 0 {
		c.ParticipationThreshold = d.ParticipationThreshold
	}
	if c.ProposalThreshold <= 0 {
		c.ProposalThreshold = d.ProposalThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.CollusionWindow <= 0 {
		c.CollusionWindow = d.CollusionWindow
	}
	if c.CollusionThreshold <= 0 {
		c.CollusionThreshold = d.CollusionThreshold
	}
	if c.CollusionMinSamples < 2 {
		c.CollusionMinSamples = d.CollusionMinSamples
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = d.StatsWindow
	}
	return c
}

// Hooks are optional callbacks used for instrumentation and wiring.
type Hooks struct {
	// OnPropose fires for every proposal attempt.
	OnPropose func(accepted bool)
	// OnVote fires with "approve", "reject", "suppressed" or "refused".
	OnVote func(result string)
	// OnDecision fires once per proposal when it commits or aborts.
	OnDecision func(p Proposal)
	// OnAudit fires after each audit pass.
	OnAudit func(pairs []CollusionPair, aborted int)
}
