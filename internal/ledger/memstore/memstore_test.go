package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ledger"
)

func seed(t *testing.T, s *Store) time.Time {
	t.Helper()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	evs := []events.Event{
		{ID: "e1", Kind: events.KindProposalCommitted, ProposalID: "p1", NodeID: "agent_666", Time: base},
		{ID: "e2", Kind: events.KindQuarantineCreated, QuarantineID: "q1", NodeID: "agent_666", Time: base.Add(time.Minute)},
		{ID: "e3", Kind: events.KindQuarantineHealed, QuarantineID: "q1", NodeID: "agent_666", Time: base.Add(2 * time.Minute),
			Detail: map[string]any{"to": "sandbox_execution"}},
		{ID: "e4", Kind: events.KindQuarantineCreated, QuarantineID: "q2", NodeID: "agent_777", Time: base.Add(3 * time.Minute)},
	}
	for _, e := range evs {
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return base
}

func ids(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i := range evs {
		out[i] = evs[i].ID
	}
	return out
}

func TestList(t *testing.T) {
	t.Parallel()

	s := New()
	base := seed(t, s)

	tests := []struct {
		name string
		q    ledger.Query
		want []string
	}{
		{"all", ledger.Query{}, []string{"e1", "e2", "e3", "e4"}},
		{"by kind", ledger.Query{Kind: events.KindQuarantineCreated}, []string{"e2", "e4"}},
		{"by quarantine", ledger.Query{QuarantineID: "q1"}, []string{"e2", "e3"}},
		{"by node", ledger.Query{NodeID: "agent_777"}, []string{"e4"}},
		{"by proposal", ledger.Query{ProposalID: "p1"}, []string{"e1"}},
		{"since", ledger.Query{Since: base.Add(2 * time.Minute)}, []string{"e3", "e4"}},
		{"limit keeps newest", ledger.Query{Limit: 2}, []string{"e3", "e4"}},
		{"no match", ledger.Query{QuarantineID: "q9"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.List(context.Background(), tt.q)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			g := ids(got)
			if len(g) != len(tt.want) {
				t.Fatalf("List = %v, want %v", g, tt.want)
			}
			for i := range g {
				if g[i] != tt.want[i] {
					t.Fatalf("List = %v, want %v", g, tt.want)
				}
			}
		})
	}
}

func TestAppend_Idempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	e := events.Event{ID: "dup", Kind: events.KindQuarantineTerminated}
	for range 3 {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, _ := s.List(ctx, ledger.Query{})
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestList_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s)
	got, _ := s.List(context.Background(), ledger.Query{QuarantineID: "q1", Kind: events.KindQuarantineHealed})
	got[0].Detail["to"] = "mutated"

	again, _ := s.List(context.Background(), ledger.Query{QuarantineID: "q1", Kind: events.KindQuarantineHealed})
	if again[0].Detail["to"] != "sandbox_execution" {
		t.Errorf("stored detail mutated: %v", again[0].Detail)
	}
}

func TestList_NegativeLimit(t *testing.T) {
	t.Parallel()

	_, err := New().List(context.Background(), ledger.Query{Limit: -1})
	if faults.ReasonOf(err) != faults.ReasonValidation {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestRecord(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	s := New()
	sub := bus.Subscribe(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ledger.Record(ctx, sub, s, nil)
		close(done)
	}()

	bus.Publish(ctx, events.Event{Kind: events.KindQuarantineCreated, QuarantineID: "q1"})
	bus.Publish(ctx, events.Event{Kind: events.KindQuarantineTerminated, QuarantineID: "q1"})
	sub.Close()
	<-done

	got, _ := s.List(context.Background(), ledger.Query{QuarantineID: "q1"})
	if len(got) != 2 {
		t.Fatalf("recorded %d events, want 2", len(got))
	}
	if got[0].Kind != events.KindQuarantineCreated || got[1].Kind != events.KindQuarantineTerminated {
		t.Errorf("order = %s, %s", got[0].Kind, got[1].Kind)
	}
}
