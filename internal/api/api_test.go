package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/authmw"
	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/ledger"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// mockService records calls and returns the configured results.
type mockService struct {
	mu sync.Mutex

	err       error
	routeErr  error
	proposals map[consensus.ProposalID]consensus.Proposal
	envs      []quarantine.Environment

	ingested  []ingest.Record
	votes     []string
	created   []quarantine.Request
	ledgerQ   ledger.Query
	networkID string

	bus *events.Bus
}

func newMock() *mockService {
	return &mockService{
		proposals: map[consensus.ProposalID]consensus.Proposal{},
		bus:       events.NewBus(log.Nop()),
	}
}

func (m *mockService) IngestSignals(_ context.Context, recs []ingest.Record) (ingest.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return ingest.Result{}, m.err
	}
	m.ingested = append(m.ingested, recs...)
	return ingest.Result{Accepted: len(recs)}, nil
}

func (m *mockService) NetworkHealth(id string) (topology.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkID = id
	if m.err != nil {
		return topology.Health{}, m.err
	}
	return topology.Health{TotalNodes: 3, Healthy: 3, Efficiency: 1}, nil
}

func (m *mockService) Nodes(id string) ([]node.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkID = id
	if m.err != nil {
		return nil, m.err
	}
	return []node.Info{{ID: "a"}, {ID: "b"}}, nil
}

func (m *mockService) Route(_ context.Context, _ string, src, dst node.ID) ([]node.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routeErr != nil {
		return nil, m.routeErr
	}
	return []node.ID{src, "relay", dst}, nil
}

func (m *mockService) Propose(_ context.Context, proposer node.ID, content consensus.Payload) (consensus.ProposalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	id := consensus.ProposalID(fmt.Sprintf("p%d", len(m.proposals)+1))
	m.proposals[id] = consensus.Proposal{ID: id, Proposer: proposer, Content: content, State: consensus.StateProposing}
	return id, nil
}

func (m *mockService) Vote(_ context.Context, voter node.ID, id consensus.ProposalID, approve bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.proposals[id]; !ok {
		return fmt.Errorf("proposal %s: %w", id, faults.ErrNotFound)
	}
	m.votes = append(m.votes, fmt.Sprintf("%s:%t", voter, approve))
	return nil
}

func (m *mockService) Proposal(id consensus.ProposalID) (consensus.Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	return p, ok
}

func (m *mockService) Collusion() []consensus.CollusionPair { return nil }

func (m *mockService) ConsensusStats() consensus.Stats { return consensus.Stats{} }

func (m *mockService) CreateQuarantine(_ context.Context, req quarantine.Request) (*quarantine.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, req)
	return &quarantine.CreateResult{ID: "q1"}, nil
}

func (m *mockService) TerminateQuarantine(_ context.Context, id quarantine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, e := range m.envs {
		if e.ID == id {
			return nil
		}
	}
	return fmt.Errorf("quarantine %s: %w", id, faults.ErrNotFound)
}

func (m *mockService) Quarantine(id quarantine.ID) (quarantine.Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.envs {
		if e.ID == id {
			return e, true
		}
	}
	return quarantine.Environment{}, false
}

func (m *mockService) Quarantines() []quarantine.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]quarantine.Environment(nil), m.envs...)
}

func (m *mockService) QuarantineStats() quarantine.Stats { return quarantine.Stats{} }

func (m *mockService) Ledger(_ context.Context, q ledger.Query) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerQ = q
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

func (m *mockService) Subscribe(buffer int) *events.Subscription { return m.bus.Subscribe(buffer) }

func (m *mockService) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func newTestRouter(t *testing.T, ops authmw.Operators) (chi.Router, *mockService) {
	t.Helper()
	svc := newMock()
	r := chi.NewRouter()
	New(nil, svc, ops).RegisterRoutes(r)
	return r, svc
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a := New(nil, newMock(), nil)
	if a.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil, nil)
}

// Routing

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	svc.envs = []quarantine.Environment{{ID: "q1", TargetAgent: "agent_666"}}
	svc.proposals["p9"] = consensus.Proposal{ID: "p9", State: consensus.StateVoting}

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{"ingest", http.MethodPost, "/api/v1/signals", `{"signals":[{"source_node":"a","target_node":"b","confidence":0.9,"interaction_type":"m"}]}`, http.StatusAccepted},
		{"ingest bad json", http.MethodPost, "/api/v1/signals", `{bad`, http.StatusBadRequest},
		{"ingest unknown field", http.MethodPost, "/api/v1/signals", `{"records":[]}`, http.StatusBadRequest},
		{"health", http.MethodGet, "/api/v1/network/health", "", http.StatusOK},
		{"nodes", http.MethodGet, "/api/v1/network/nodes", "", http.StatusOK},
		{"route", http.MethodGet, "/api/v1/network/route?src=a&dst=b", "", http.StatusOK},
		{"route missing dst", http.MethodGet, "/api/v1/network/route?src=a", "", http.StatusBadRequest},
		{"propose", http.MethodPost, "/api/v1/proposals", `{"proposer":"a","content":{"action":"rotate"}}`, http.StatusCreated},
		{"propose no proposer", http.MethodPost, "/api/v1/proposals", `{"content":{}}`, http.StatusBadRequest},
		{"get proposal", http.MethodGet, "/api/v1/proposals/p9", "", http.StatusOK},
		{"get missing proposal", http.MethodGet, "/api/v1/proposals/nope", "", http.StatusNotFound},
		{"vote", http.MethodPost, "/api/v1/proposals/p9/votes", `{"voter":"b","approve":false,"reason":"no"}`, http.StatusOK},
		{"vote without decision", http.MethodPost, "/api/v1/proposals/p9/votes", `{"voter":"b"}`, http.StatusBadRequest},
		{"vote unknown proposal", http.MethodPost, "/api/v1/proposals/nope/votes", `{"voter":"b","approve":true}`, http.StatusNotFound},
		{"collusion", http.MethodGet, "/api/v1/consensus/collusion", "", http.StatusOK},
		{"consensus stats", http.MethodGet, "/api/v1/consensus/stats", "", http.StatusOK},
		{"create quarantine", http.MethodPost, "/api/v1/quarantines", `{"target_agent":"x","isolation_level":"honeypot","evidence":{"confidence":0.8}}`, http.StatusCreated},
		{"create bad level", http.MethodPost, "/api/v1/quarantines", `{"target_agent":"x","isolation_level":"lockdown"}`, http.StatusBadRequest},
		{"list quarantines", http.MethodGet, "/api/v1/quarantines", "", http.StatusOK},
		{"quarantine stats", http.MethodGet, "/api/v1/quarantines/stats", "", http.StatusOK},
		{"get quarantine", http.MethodGet, "/api/v1/quarantines/q1", "", http.StatusOK},
		{"get missing quarantine", http.MethodGet, "/api/v1/quarantines/q2", "", http.StatusNotFound},
		{"terminate", http.MethodDelete, "/api/v1/quarantines/q1", "", http.StatusNoContent},
		{"terminate missing", http.MethodDelete, "/api/v1/quarantines/q2", "", http.StatusNotFound},
		{"ledger", http.MethodGet, "/api/v1/ledger?kind=quarantine_created&limit=5", "", http.StatusOK},
		{"ledger bad limit", http.MethodGet, "/api/v1/ledger?limit=lots", "", http.StatusBadRequest},
		{"ledger bad since", http.MethodGet, "/api/v1/ledger?since=yesterday", "", http.StatusBadRequest},
		{"PUT not allowed", http.MethodPut, "/api/v1/quarantines", "", http.StatusMethodNotAllowed},
		{"GET signals not allowed", http.MethodGet, "/api/v1/signals", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, tt.method, tt.target, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.target, rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"validation", faults.Invalid("proposer", "unknown node x"), http.StatusBadRequest, faults.ReasonValidation},
		{"trust", &faults.InsufficientTrustError{Node: "x", Have: 0.1, Required: 0.6, Action: "propose"}, http.StatusForbidden, faults.ReasonInsufficientTrust},
		{"not found", fmt.Errorf("x: %w", faults.ErrNotFound), http.StatusNotFound, faults.ReasonNotFound},
		{"conflict", fmt.Errorf("x: %w", faults.ErrConflict), http.StatusConflict, faults.ReasonConflict},
		{"quorum", &faults.QuorumUnreachableError{ProposalID: "p"}, http.StatusServiceUnavailable, faults.ReasonQuorumUnreachable},
		{"resources", &faults.ResourceExhaustedError{Role: "coordinator"}, http.StatusServiceUnavailable, faults.ReasonResourceExhausted},
		{"partial", &faults.PartialFailure{Op: "init", Failed: map[string]error{"n": errors.New("down")}}, http.StatusBadGateway, faults.ReasonPartialFailure},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, faults.ReasonInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, svc := newTestRouter(t, nil)
			svc.setErr(tt.err)

			rec := do(t, r, http.MethodPost, "/api/v1/quarantines", `{"target_agent":"x"}`)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeError(t, rec)
			if body.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", body.Reason, tt.wantReason)
			}
			if tt.wantStatus == http.StatusInternalServerError && body.Error != "internal error" {
				t.Errorf("internal error leaked %q", body.Error)
			}
		})
	}
}

func TestAuth_MutatingRoutesOnly(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, authmw.Operators{"alice": "tok"})
	svc.envs = []quarantine.Environment{{ID: "q1"}}

	if rec := do(t, r, http.MethodGet, "/api/v1/quarantines", ""); rec.Code != http.StatusOK {
		t.Errorf("read without token = %d, want 200", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/api/v1/quarantines/q1", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("delete without token = %d, want 401", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/api/v1/signals", `{"signals":[]}`, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Errorf("ingest with bad token = %d, want 401", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/api/v1/quarantines/q1", "", "Authorization", "Bearer tok"); rec.Code != http.StatusNoContent {
		t.Errorf("delete with token = %d, want 204", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)
	rec := do(t, r, http.MethodPost, "/api/v1/proposals", `{"proposer":"a","content":"x"}`, RequestIDHeader, "req-42")
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("%s = %q, want req-42", RequestIDHeader, got)
	}
}

func TestCreateQuarantine_DecodesRequest(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	rec := do(t, r, http.MethodPost, "/api/v1/quarantines",
		`{"target_agent":"agent_666","isolation_level":"sandbox_execution","evidence":{"confidence":0.7,"evidence":["burst"]},"replicas":2}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.created) != 1 {
		t.Fatalf("created = %d, want 1", len(svc.created))
	}
	got := svc.created[0]
	if got.TargetAgent != "agent_666" || got.Level != quarantine.LevelSandboxExecution || got.Replicas != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Evidence.Confidence != 0.7 || len(got.Evidence.Evidence) != 1 {
		t.Errorf("evidence = %+v", got.Evidence)
	}
}

func TestCreateQuarantine_RequiresLevel(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	rec := do(t, r, http.MethodPost, "/api/v1/quarantines",
		`{"target_agent":"agent_666","evidence":{"confidence":0.7}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Reason != faults.ReasonValidation || !strings.Contains(body.Error, "isolation_level") {
		t.Errorf("body = %+v", body)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/quarantines",
		`{"target_agent":"agent_666","isolation_level":"observe_only"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("explicit observe_only status = %d, body %s", rec.Code, rec.Body.String())
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.created) != 1 || svc.created[0].Level != quarantine.LevelObserveOnly {
		t.Errorf("created = %+v, want one observe_only request", svc.created)
	}
}

func TestRoute_NoPath(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	svc.routeErr = fmt.Errorf("a -> z: %w", topology.ErrNoRoute)

	rec := do(t, r, http.MethodGet, "/api/v1/network/route?src=a&dst=z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Path  []string `json:"path"`
		Found bool     `json:"found"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Found || body.Path == nil || len(body.Path) != 0 {
		t.Errorf("body = %+v, want empty path not found", body)
	}
}

func TestNetworkParam(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	do(t, r, http.MethodGet, "/api/v1/network/health?network=lab", "")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.networkID != "lab" {
		t.Errorf("network = %q, want lab", svc.networkID)
	}
}

func TestLedger_Query(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	rec := do(t, r, http.MethodGet,
		"/api/v1/ledger?kind=proposal_committed&node_id=agent_666&proposal_id=p1&quarantine_id=q1&since=2026-01-02T03:04:05Z&limit=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("body = %s, want empty events array", rec.Body.String())
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	want := ledger.Query{
		Kind:         events.KindProposalCommitted,
		NodeID:       "agent_666",
		ProposalID:   "p1",
		QuarantineID: "q1",
		Since:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Limit:        7,
	}
	if !svc.ledgerQ.Since.Equal(want.Since) {
		t.Errorf("since = %v, want %v", svc.ledgerQ.Since, want.Since)
	}
	svc.ledgerQ.Since = want.Since
	if svc.ledgerQ != want {
		t.Errorf("query = %+v, want %+v", svc.ledgerQ, want)
	}
}

func TestEvents_Stream(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?kind=quarantine_created"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Body != nil {
		_ = resp.Body.Close()
	}

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for svc.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx := context.Background()
	svc.bus.Publish(ctx, events.Event{Kind: events.KindNodeTransition, NodeID: "skipped"})
	svc.bus.Publish(ctx, events.Event{Kind: events.KindQuarantineCreated, QuarantineID: "q1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string       `json:"type"`
		Payload events.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "event" || msg.Payload.Kind != events.KindQuarantineCreated || msg.Payload.QuarantineID != "q1" {
		t.Errorf("message = %+v, want the quarantine_created event", msg)
	}
	if msg.Payload.ID == "" {
		t.Error("event ID not stamped")
	}
}
