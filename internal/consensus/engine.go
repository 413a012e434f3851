package consensus

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/ring"
)

var tracer = otel.Tracer("github.com/linnemanlabs/palisade/internal/consensus")

type round struct {
	mu sync.Mutex

	id            ProposalID
	proposer      node.ID
	content       Payload
	createdAt     time.Time
	required      int
	confirmations map[node.ID]time.Time
	rejections    map[node.ID]string
	state         State
	decidedAt     time.Time
	abortReason   string
}

func (r *round) snapshot() Proposal {
	conf := slices.SortedFunc(maps.Keys(r.confirmations), func(a, b node.ID) int {
		return r.confirmations[a].Compare(r.confirmations[b])
	})
	if conf == nil {
		conf = []node.ID{}
	}
	return Proposal{
		ID:                    r.id,
		Proposer:              r.proposer,
		Content:               slices.Clone(r.content),
		CreatedAt:             r.createdAt,
		RequiredConfirmations: r.required,
		Confirmations:         conf,
		Rejections:            maps.Clone(r.rejections),
		State:                 r.state,
		DecidedAt:             r.decidedAt,
		AbortReason:           r.abortReason,
	}
}

// Engine runs consensus rounds. The engine is the only writer of proposal
// and vote state; everything it hands out is a copy.
type Engine struct {
	src    TrustSource
	cfg    Config
	logger log.Logger
	hooks  Hooks
	rng    *lockedRand
	now    func() time.Time

	mu          sync.RWMutex
	active      map[ProposalID]*round
	compromised map[node.ID]Strategy

	history *ring.Buffer[Proposal]
}

// NewEngine creates an engine that weighs nodes by src.
func NewEngine(src TrustSource, cfg Config, logger log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		src:         src,
		cfg:         cfg,
		logger:      logger,
		hooks:       hooks,
		rng:         newLockedRand(cfg.Seed),
		now:         time.Now,
		active:      make(map[ProposalID]*round),
		compromised: make(map[node.ID]Strategy),
		history:     ring.New[Proposal](cfg.HistorySize),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// RequiredConfirmations computes the quorum for a network of trusted nodes.
func (e *Engine) RequiredConfirmations(trusted int) int {
	faulty := int(math.Floor(float64(trusted)*e.cfg.FaultToleranceRatio + 1e-9))
	return max(e.cfg.MinConsensusNodes, trusted-faulty)
}

func (e *Engine) trustedCount() int {
	n := 0
	for _, id := range e.src.NodeIDs() {
		if t, ok := e.src.TrustOf(id); ok && t >= e.cfg.ParticipationThreshold {
			n++
		}
	}
	return n
}

// Propose opens a round. The proposer must be known and trusted at least
// ProposalThreshold.
func (e *Engine) Propose(ctx context.Context, proposer node.ID, content Payload) (ProposalID, error) {
	ctx, span := tracer.Start(ctx, "consensus.Propose", trace.WithAttributes(
		attribute.String("palisade.proposer", string(proposer)),
	))
	defer span.End()

	id, err := e.propose(ctx, proposer, content)
	if e.hooks.OnPropose != nil {
		e.hooks.OnPropose(err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "proposal rejected", "proposer", proposer, "reason", faults.ReasonOf(err), "error", err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("palisade.proposal.id", string(id)))
	return id, nil
}

func (e *Engine) propose(ctx context.Context, proposer node.ID, content Payload) (ProposalID, error) {
	if len(content) == 0 {
		return "", faults.Invalid("content", "must not be empty")
	}
	have, ok := e.src.TrustOf(proposer)
	if !ok {
		return "", faults.Invalid("proposer", "unknown node %s", proposer)
	}
	if have < e.cfg.ProposalThreshold {
		return "", &faults.InsufficientTrustError{
			Node: string(proposer), Have: have, Required: e.cfg.ProposalThreshold, Action: "propose",
		}
	}

	r := &round{
		id:            ProposalID(ulid.Make().String()),
		proposer:      proposer,
		content:       slices.Clone(content),
		createdAt:     e.now(),
		required:      e.RequiredConfirmations(e.trustedCount()),
		confirmations: make(map[node.ID]time.Time),
		rejections:    make(map[node.ID]string),
		state:         StateProposing,
	}

	e.mu.Lock()
	e.active[r.id] = r
	e.mu.Unlock()

	e.logger.Info(ctx, "proposal opened",
		"proposal_id", r.id, "proposer", proposer, "required_confirmations", r.required)
	return r.id, nil
}

// Vote records a voter's decision. It fails for unknown proposals, unknown or
// untrusted voters, repeated votes and closed rounds. A vote suppressed by a
// FailStop compromise returns nil without being recorded.
func (e *Engine) Vote(ctx context.Context, voter node.ID, id ProposalID, approve bool, reason string) error {
	ctx, span := tracer.Start(ctx, "consensus.Vote", trace.WithAttributes(
		attribute.String("palisade.proposal.id", string(id)),
		attribute.String("palisade.voter", string(voter)),
	))
	defer span.End()

	result, err := e.vote(ctx, voter, id, approve, reason)
	if e.hooks.OnVote != nil {
		e.hooks.OnVote(result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "vote refused", "proposal_id", id, "voter", voter, "reason", faults.ReasonOf(err), "error", err.Error())
		return err
	}
	span.SetAttributes(attribute.String("palisade.vote.result", result))
	return nil
}

func (e *Engine) vote(ctx context.Context, voter node.ID, id ProposalID, approve bool, reason string) (string, error) {
	e.mu.RLock()
	r, ok := e.active[id]
	strategy := e.compromised[voter]
	e.mu.RUnlock()
	if !ok {
		if _, closed := e.find(id); closed {
			return "refused", fmt.Errorf("proposal %s is closed: %w", id, faults.ErrConflict)
		}
		return "refused", fmt.Errorf("proposal %s: %w", id, faults.ErrNotFound)
	}

	have, known := e.src.TrustOf(voter)
	if !known {
		return "refused", faults.Invalid("voter", "unknown node %s", voter)
	}
	if have < e.cfg.ParticipationThreshold {
		return "refused", &faults.InsufficientTrustError{
			Node: string(voter), Have: have, Required: e.cfg.ParticipationThreshold, Action: "vote",
		}
	}

	if strategy != nil {
		shaped := strategy.Shape(e.rng, approve, reason)
		if shaped.Suppress {
			e.logger.Info(ctx, "vote suppressed by compromised node", "proposal_id", id, "voter", voter, "strategy", strategy.Name())
			return "suppressed", nil
		}
		approve, reason = shaped.Approve, shaped.Reason
	}

	// Every known node counts toward the abort bound. CheckAttrition closes
	// rounds that run out of eligible voters first.
	total := len(e.src.NodeIDs())

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return "refused", fmt.Errorf("proposal %s is closed: %w", id, faults.ErrConflict)
	}
	if _, dup := r.confirmations[voter]; dup {
		r.mu.Unlock()
		return "refused", fmt.Errorf("%s already voted on %s: %w", voter, id, faults.ErrConflict)
	}
	if _, dup := r.rejections[voter]; dup {
		r.mu.Unlock()
		return "refused", fmt.Errorf("%s already voted on %s: %w", voter, id, faults.ErrConflict)
	}

	result := "approve"
	if approve {
		r.confirmations[voter] = e.now()
	} else {
		result = "reject"
		r.rejections[voter] = reason
	}
	if r.state == StateProposing {
		r.state = StateVoting
	}

	var decided bool
	switch {
	case len(r.confirmations) >= r.required:
		r.state = StateCommitted
		decided = true
	case len(r.rejections) > total-r.required:
		r.state = StateAborted
		r.abortReason = (&faults.QuorumUnreachableError{
			ProposalID: string(id),
			Detail:     fmt.Sprintf("%d rejections of %d nodes, %d confirmations required", len(r.rejections), total, r.required),
		}).Error()
		decided = true
	}
	var snap Proposal
	if decided {
		r.decidedAt = e.now()
		snap = r.snapshot()
	}
	r.mu.Unlock()

	if decided {
		e.close(ctx, snap)
	}
	return result, nil
}

// close moves a decided round from active to history and fires OnDecision.
func (e *Engine) close(ctx context.Context, p Proposal) {
	e.mu.Lock()
	delete(e.active, p.ID)
	e.history.Push(p)
	e.mu.Unlock()

	L := e.logger.With("proposal_id", p.ID, "state", p.State)
	if p.State == StateCommitted {
		L.Info(ctx, "consensus reached", "confirmations", len(p.Confirmations), "required", p.RequiredConfirmations)
	} else {
		L.Warn(ctx, "consensus aborted", "rejections", len(p.Rejections), "cause", p.AbortReason)
	}
	if e.hooks.OnDecision != nil {
		e.hooks.OnDecision(p)
	}
}

// find looks up a completed proposal in history.
func (e *Engine) find(id ProposalID) (Proposal, bool) {
	hist := e.history.Snapshot()
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].ID == id {
			return hist[i], true
		}
	}
	return Proposal{}, false
}

// Get returns a snapshot of an active or completed proposal.
func (e *Engine) Get(id ProposalID) (Proposal, bool) {
	e.mu.RLock()
	r, ok := e.active[id]
	e.mu.RUnlock()
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshot(), true
	}
	return e.find(id)
}

// GetProposalState returns the proposal's state, StateUnknown if it was never
// opened or has aged out of history.
func (e *Engine) GetProposalState(id ProposalID) State {
	p, ok := e.Get(id)
	if !ok {
		return StateUnknown
	}
	return p.State
}

// Active returns snapshots of every open proposal, oldest first.
func (e *Engine) Active() []Proposal {
	e.mu.RLock()
	rounds := slices.Collect(maps.Values(e.active))
	e.mu.RUnlock()
	out := make([]Proposal, 0, len(rounds))
	for _, r := range rounds {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Proposal) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// History returns up to n completed proposals, oldest first. n < 0 returns all.
func (e *Engine) History(n int) []Proposal {
	return e.history.Last(n)
}

// Compromise marks a node with an attack strategy. Fault injection only.
func (e *Engine) Compromise(id node.ID, s Strategy) {
	e.mu.Lock()
	e.compromised[id] = s
	e.mu.Unlock()
	e.logger.Warn(context.Background(), "node marked compromised", "node_id", id, "strategy", s.Name())
}

// Restore removes a node's attack strategy.
func (e *Engine) Restore(id node.ID) {
	e.mu.Lock()
	delete(e.compromised, id)
	e.mu.Unlock()
}
