package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// mockTrust implements TrustSource for testing.
type mockTrust struct {
	mu    sync.Mutex
	trust map[node.ID]float64
}

func newMockTrust(n int) *mockTrust {
	m := &mockTrust{trust: make(map[node.ID]float64)}
	for i := 1; i <= n; i++ {
		m.trust[nodeID(i)] = 1
	}
	return m
}

func nodeID(i int) node.ID { return node.ID(fmt.Sprintf("agent_%03d", i)) }

func (m *mockTrust) TrustOf(id node.ID) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trust[id]
	return t, ok
}

func (m *mockTrust) NodeIDs() []node.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]node.ID, 0, len(m.trust))
	for id := range m.trust {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *mockTrust) set(id node.ID, t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trust[id] = t
}

var testPayload = json.RawMessage(`{"action":"quarantine","target":"agent_007"}`)

func newTestEngine(src TrustSource, hooks Hooks) *Engine {
	cfg := DefaultConfig()
	cfg.Seed = 42
	return NewEngine(src, cfg, log.Nop(), hooks)
}

func TestRequiredConfirmations(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newMockTrust(0), Hooks{})

	tests := []struct {
		trusted int
		want    int
	}{
		{0, 3},
		{1, 3},
		{3, 3},
		{4, 3},
		{6, 4},
		{9, 6},
		{10, 7},
		{12, 8},
		{100, 67},
	}
	for _, tt := range tests {
		if got := e.RequiredConfirmations(tt.trusted); got != tt.want {
			t.Errorf("RequiredConfirmations(%d) = %d, want %d", tt.trusted, got, tt.want)
		}
	}
}

func TestVote_TwoColludersOutOfSix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var (
		mu        sync.Mutex
		decisions []Proposal
	)
	e := newTestEngine(newMockTrust(6), Hooks{
		OnDecision: func(p Proposal) {
			mu.Lock()
			decisions = append(decisions, p)
			mu.Unlock()
		},
	})
	e.Compromise(nodeID(5), CoordinatedBias{Approve: false})
	e.Compromise(nodeID(6), CoordinatedBias{Approve: false})

	id, err := e.Propose(ctx, nodeID(1), testPayload)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	p, _ := e.Get(id)
	if p.RequiredConfirmations != 4 {
		t.Fatalf("required = %d, want 4", p.RequiredConfirmations)
	}

	for _, v := range []int{5, 6} {
		if err := e.Vote(ctx, nodeID(v), id, true, "looks bad"); err != nil {
			t.Fatalf("byzantine Vote: %v", err)
		}
	}
	if s := e.GetProposalState(id); s != StateVoting {
		t.Fatalf("state after byzantine votes = %s, want voting", s)
	}
	for v := 1; v <= 4; v++ {
		if err := e.Vote(ctx, nodeID(v), id, true, "confirmed"); err != nil {
			t.Fatalf("honest Vote %d: %v", v, err)
		}
	}

	if s := e.GetProposalState(id); s != StateCommitted {
		t.Fatalf("state = %s, want committed", s)
	}
	p, _ = e.Get(id)
	if len(p.Confirmations) != 4 || len(p.Rejections) != 2 {
		t.Errorf("votes = %d/%d, want 4 confirmations, 2 rejections", len(p.Confirmations), len(p.Rejections))
	}
	if len(e.Active()) != 0 || len(e.History(-1)) != 1 {
		t.Errorf("active=%d history=%d", len(e.Active()), len(e.History(-1)))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 1 || decisions[0].State != StateCommitted {
		t.Errorf("decisions = %+v", decisions)
	}
}

func TestVote_ByzantineMinorityCannotBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	strategies := []Strategy{
		FailStop{},
		ArbitraryResponse{},
		CoordinatedBias{Approve: false},
		SemanticConfusion{},
		GradualDrift{Probability: 0.5},
		SplitBrain{},
	}
	for n := 4; n <= 13; n++ {
		for f := 0; f < n/3; f++ {
			for _, s := range strategies {
				name := fmt.Sprintf("n=%d/f=%d/%s", n, f, s.Name())
				t.Run(name, func(t *testing.T) {
					t.Parallel()
					e := newTestEngine(newMockTrust(n), Hooks{})
					for i := n - f + 1; i <= n; i++ {
						e.Compromise(nodeID(i), s)
					}
					id, err := e.Propose(ctx, nodeID(1), testPayload)
					if err != nil {
						t.Fatalf("Propose: %v", err)
					}
					for i := n - f + 1; i <= n; i++ {
						if err := e.Vote(ctx, nodeID(i), id, true, "honest view"); err != nil {
							t.Fatalf("byzantine Vote: %v", err)
						}
					}
					for i := 1; i <= n-f; i++ {
						err := e.Vote(ctx, nodeID(i), id, true, "honest view")
						if err != nil && !errors.Is(err, faults.ErrConflict) {
							t.Fatalf("honest Vote: %v", err)
						}
					}
					p, _ := e.Get(id)
					if p.State != StateCommitted {
						t.Fatalf("state = %s, want committed (%d/%d confirmations)", p.State, len(p.Confirmations), p.RequiredConfirmations)
					}
					if len(p.Confirmations) < p.RequiredConfirmations {
						t.Errorf("committed with %d < %d confirmations", len(p.Confirmations), p.RequiredConfirmations)
					}
				})
			}
		}
	}
}

func TestVote_AbortsWhenUnreachable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(newMockTrust(6), Hooks{})

	id, _ := e.Propose(ctx, nodeID(1), testPayload)
	_ = e.Vote(ctx, nodeID(1), id, true, "")
	for v := 2; v <= 4; v++ {
		if err := e.Vote(ctx, nodeID(v), id, false, "insufficient evidence"); err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}

	p, _ := e.Get(id)
	if p.State != StateAborted {
		t.Fatalf("state = %s, want aborted", p.State)
	}
	if !strings.Contains(p.AbortReason, "quorum unreachable") {
		t.Errorf("abort reason = %q", p.AbortReason)
	}
	if got := p.Rejections[nodeID(2)]; got != "insufficient evidence" {
		t.Errorf("rejection reason = %q", got)
	}
	if err := e.Vote(ctx, nodeID(5), id, true, ""); !errors.Is(err, faults.ErrConflict) {
		t.Errorf("vote after abort err = %v, want ErrConflict", err)
	}
	if e.GetProposalState(id) != StateAborted {
		t.Error("aborted proposal changed state")
	}
}

func TestVote_AbortCountsEveryNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(8)
	src.set(nodeID(7), 0.1)
	src.set(nodeID(8), 0.1)
	e := newTestEngine(src, Hooks{})

	id, err := e.Propose(ctx, nodeID(1), testPayload)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	_ = e.Vote(ctx, nodeID(1), id, true, "")
	for v := 2; v <= 4; v++ {
		if err := e.Vote(ctx, nodeID(v), id, false, "no"); err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}

	// 6 trusted nodes need 4 confirmations; with 8 nodes in total the round
	// only aborts on the fifth rejection.
	p, _ := e.Get(id)
	if p.RequiredConfirmations != 4 {
		t.Fatalf("required = %d, want 4", p.RequiredConfirmations)
	}
	if p.State.Terminal() {
		t.Fatalf("state = %s after 3 rejections, want open", p.State)
	}

	// Only agent_005 and agent_006 can still vote, so attrition closes it.
	if aborted := e.CheckAttrition(ctx); !slices.Equal(aborted, []ProposalID{id}) {
		t.Fatalf("CheckAttrition = %v, want [%s]", aborted, id)
	}
}

func TestPropose_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(4)
	src.set(nodeID(2), 0.5)
	e := newTestEngine(src, Hooks{})

	tests := []struct {
		name     string
		proposer node.ID
		content  Payload
		reason   string
	}{
		{"unknown proposer", "ghost", testPayload, faults.ReasonValidation},
		{"low trust", nodeID(2), testPayload, faults.ReasonInsufficientTrust},
		{"empty content", nodeID(1), nil, faults.ReasonValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := e.Propose(ctx, tt.proposer, tt.content)
			if id != "" || faults.ReasonOf(err) != tt.reason {
				t.Errorf("Propose = %q, %v; want reason %s", id, err, tt.reason)
			}
		})
	}
}

func TestVote_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(6)
	src.set(nodeID(6), 0.2)
	e := newTestEngine(src, Hooks{})
	id, _ := e.Propose(ctx, nodeID(1), testPayload)

	if err := e.Vote(ctx, nodeID(1), "missing", true, ""); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("unknown proposal err = %v", err)
	}
	if err := e.Vote(ctx, "ghost", id, true, ""); faults.ReasonOf(err) != faults.ReasonValidation {
		t.Errorf("unknown voter err = %v", err)
	}
	var ite *faults.InsufficientTrustError
	if err := e.Vote(ctx, nodeID(6), id, true, ""); !errors.As(err, &ite) || ite.Action != "vote" {
		t.Errorf("low trust err = %v", err)
	}
	if err := e.Vote(ctx, nodeID(2), id, true, ""); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if err := e.Vote(ctx, nodeID(2), id, false, "changed my mind"); !errors.Is(err, faults.ErrConflict) {
		t.Errorf("duplicate err = %v, want ErrConflict", err)
	}
	p, _ := e.Get(id)
	if len(p.Confirmations) != 1 || len(p.Rejections) != 0 {
		t.Errorf("refused votes were recorded: %+v", p)
	}
}

func TestVote_Strategies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fail stop suppresses", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(newMockTrust(6), Hooks{})
		e.Compromise(nodeID(3), FailStop{})
		id, _ := e.Propose(ctx, nodeID(1), testPayload)
		if err := e.Vote(ctx, nodeID(3), id, true, ""); err != nil {
			t.Fatalf("Vote: %v", err)
		}
		p, _ := e.Get(id)
		if len(p.Confirmations)+len(p.Rejections) != 0 || p.State != StateProposing {
			t.Errorf("suppressed vote recorded: %+v", p)
		}
	})

	t.Run("semantic confusion inverts", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(newMockTrust(6), Hooks{})
		e.Compromise(nodeID(3), SemanticConfusion{})
		id, _ := e.Propose(ctx, nodeID(1), testPayload)
		_ = e.Vote(ctx, nodeID(3), id, true, "")
		p, _ := e.Get(id)
		if _, ok := p.Rejections[nodeID(3)]; !ok {
			t.Errorf("expected inverted vote to be a rejection: %+v", p)
		}
	})

	t.Run("restore", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(newMockTrust(6), Hooks{})
		e.Compromise(nodeID(3), SemanticConfusion{})
		e.Restore(nodeID(3))
		id, _ := e.Propose(ctx, nodeID(1), testPayload)
		_ = e.Vote(ctx, nodeID(3), id, true, "")
		p, _ := e.Get(id)
		if !slices.Contains(p.Confirmations, nodeID(3)) {
			t.Errorf("restored node vote = %+v", p)
		}
	})
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"fail_stop", "arbitrary", "coordinated_bias", "semantic", "gradual_drift", "split_brain"} {
		s, err := ParseStrategy(name, true, 0.2)
		if err != nil || s.Name() != name {
			t.Errorf("ParseStrategy(%q) = %v, %v", name, s, err)
		}
	}
	if _, err := ParseStrategy("telepathy", false, 0); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

// castVotes opens a proposal, records the given votes and expires it so it
// lands in history.
func castVotes(t *testing.T, e *Engine, votes map[node.ID]bool) {
	t.Helper()
	ctx := context.Background()
	id, err := e.Propose(ctx, nodeID(10), testPayload)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	for voter, v := range votes {
		if err := e.Vote(ctx, voter, id, v, ""); err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}
	if err := e.Expire(ctx, id, "test"); err != nil {
		t.Fatalf("Expire: %v", err)
	}
}

func TestDetectCollusion(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newMockTrust(10), Hooks{})

	a := []bool{true, false, true, false, true, true}
	c := []bool{true, true, false, false, true, false}
	for i := range a {
		castVotes(t, e, map[node.ID]bool{
			nodeID(1): a[i],
			nodeID(2): a[i],
			nodeID(3): c[i],
			nodeID(4): true,
		})
	}

	pairs := e.DetectCollusion()
	if len(pairs) != 1 {
		t.Fatalf("pairs = %+v, want exactly one", pairs)
	}
	p := pairs[0]
	if p.A != nodeID(1) || p.B != nodeID(2) || p.Samples != 6 {
		t.Errorf("pair = %+v", p)
	}
	if p.Correlation < 0.999 {
		t.Errorf("correlation = %v, want 1", p.Correlation)
	}
}

func TestDetectCollusion_NeedsSamples(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newMockTrust(10), Hooks{})
	for _, v := range []bool{true, false, true, false} {
		castVotes(t, e, map[node.ID]bool{nodeID(1): v, nodeID(2): v})
	}
	if pairs := e.DetectCollusion(); len(pairs) != 0 {
		t.Errorf("pairs = %+v, want none below min samples", pairs)
	}
}

func TestCheckAttrition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(6)
	e := newTestEngine(src, Hooks{})

	id, _ := e.Propose(ctx, nodeID(1), testPayload)
	keep, _ := e.Propose(ctx, nodeID(1), testPayload)
	for v := 1; v <= 3; v++ {
		_ = e.Vote(ctx, nodeID(v), keep, true, "")
	}

	for v := 4; v <= 6; v++ {
		src.set(nodeID(v), 0.1)
	}
	aborted := e.CheckAttrition(ctx)
	slices.Sort(aborted)
	want := []ProposalID{id, keep}
	slices.Sort(want)
	if !slices.Equal(aborted, want) {
		t.Fatalf("aborted = %v, want %v", aborted, want)
	}
	// keep holds 3 confirmations, needs 4, and has no eligible voters left.
	for _, pid := range want {
		if s := e.GetProposalState(pid); s != StateAborted {
			t.Errorf("%s state = %s, want aborted", pid, s)
		}
	}
}

func TestCheckAttrition_KeepsReachable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(6)
	e := newTestEngine(src, Hooks{})

	id, _ := e.Propose(ctx, nodeID(1), testPayload)
	src.set(nodeID(6), 0.1)
	if aborted := e.CheckAttrition(ctx); len(aborted) != 0 {
		t.Errorf("aborted = %v, want none", aborted)
	}
	if e.GetProposalState(id) != StateProposing {
		t.Errorf("state = %s, want proposing", e.GetProposalState(id))
	}
}

func TestExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(newMockTrust(6), Hooks{})
	id, _ := e.Propose(ctx, nodeID(1), testPayload)

	if err := e.Expire(ctx, id, ""); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if p, _ := e.Get(id); p.State != StateAborted || p.AbortReason != "expired" {
		t.Errorf("proposal = %+v", p)
	}
	if err := e.Expire(ctx, id, ""); !errors.Is(err, faults.ErrConflict) {
		t.Errorf("second Expire err = %v", err)
	}
	if err := e.Expire(ctx, "nope", ""); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("unknown Expire err = %v", err)
	}
	if s := e.GetProposalState("nope"); s != StateUnknown {
		t.Errorf("unknown state = %s", s)
	}
}

func TestExpireOlderThan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(newMockTrust(6), Hooks{})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	old, _ := e.Propose(ctx, nodeID(1), testPayload)
	e.now = func() time.Time { return base.Add(time.Minute) }
	fresh, _ := e.Propose(ctx, nodeID(1), testPayload)

	got := e.ExpireOlderThan(ctx, 30*time.Second)
	if !slices.Equal(got, []ProposalID{old}) {
		t.Errorf("expired = %v, want [%s]", got, old)
	}
	if e.GetProposalState(fresh) != StateProposing {
		t.Errorf("fresh state = %s", e.GetProposalState(fresh))
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMockTrust(6)
	src.set(nodeID(6), 0.1)
	e := newTestEngine(src, Hooks{})
	e.Compromise(nodeID(5), CoordinatedBias{Approve: true})

	committed, _ := e.Propose(ctx, nodeID(1), testPayload)
	for v := 1; v <= 4; v++ {
		_ = e.Vote(ctx, nodeID(v), committed, true, "")
	}
	expired, _ := e.Propose(ctx, nodeID(1), testPayload)
	_ = e.Expire(ctx, expired, "")
	_, _ = e.Propose(ctx, nodeID(1), testPayload)

	s := e.Stats()
	if s.TotalAttempts != 2 || s.Committed != 1 || s.Aborted != 1 || s.SuccessRate != 0.5 {
		t.Errorf("attempts = %+v", s)
	}
	if s.ActiveProposals != 1 || s.TotalNodes != 6 || s.NodesAboveThreshold != 5 {
		t.Errorf("network = %+v", s)
	}
	if s.MaxTolerableFaults != 2 || s.CompromisedNodes != 1 || s.FaultToleranceMargin != 1 || !s.Resilient {
		t.Errorf("resilience = %+v", s)
	}
	if !s.ConsensusCapable {
		t.Error("expected consensus capable")
	}
}

func TestAudit_Hooks(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	src := newMockTrust(6)
	e := newTestEngine(src, m.Hooks())
	ctx := context.Background()

	id, _ := e.Propose(ctx, nodeID(1), testPayload)
	_ = e.Vote(ctx, nodeID(2), id, true, "")
	_ = e.Vote(ctx, nodeID(2), id, true, "")
	_, _ = e.Propose(ctx, "ghost", testPayload)
	for v := 3; v <= 6; v++ {
		src.set(nodeID(v), 0)
	}
	_, aborted := e.Audit(ctx)

	if len(aborted) != 1 {
		t.Fatalf("aborted = %v", aborted)
	}
	if got := testutil.ToFloat64(m.ProposalsTotal.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted = %v", got)
	}
	if got := testutil.ToFloat64(m.ProposalsTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.VotesTotal.WithLabelValues("refused")); got != 1 {
		t.Errorf("refused votes = %v", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("aborted")); got != 1 {
		t.Errorf("aborted decisions = %v", got)
	}
	if got := testutil.ToFloat64(m.AttritionAborts); got != 1 {
		t.Errorf("attrition aborts = %v", got)
	}
}

func TestRunAudit_StopsOnCancel(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newMockTrust(3), Hooks{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.RunAudit(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunAudit did not return after cancel")
	}
}

func TestVote_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx := context.Background()
	e := newTestEngine(newMockTrust(4), Hooks{})
	id, err := e.Propose(ctx, nodeID(1), testPayload)
	if err != nil {
		t.Fatal(err)
	}
	_ = e.Vote(ctx, nodeID(2), id, true, "")
	_ = e.Vote(ctx, "ghost", id, true, "")

	counts := make(map[string]int)
	var refused bool
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		if s.Name == "consensus.Vote" && s.Status.Description != "" {
			refused = true
		}
		if s.Name != "consensus.Propose" {
			continue
		}
		for _, a := range s.Attributes {
			if a.Key == "palisade.proposal.id" && a.Value.AsString() != string(id) {
				t.Errorf("proposal span id = %v, want %s", a.Value.AsString(), id)
			}
		}
	}
	if counts["consensus.Propose"] != 1 || counts["consensus.Vote"] != 2 {
		t.Errorf("span counts = %v", counts)
	}
	if !refused {
		t.Error("expected refused vote span to carry an error status")
	}
}
