// Package memstore provides an in-memory implementation of ledger.Store.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/ledger"
)

// Store holds ledger events in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	events []events.Event
	seen   map[string]struct{} // event ID (dedup)
}

var _ ledger.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Append stores a copy of e. A repeated ID is ignored.
func (s *Store) Append(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[e.ID]; dup {
		return nil
	}
	e.Detail = maps.Clone(e.Detail)
	s.events = append(s.events, e)
	s.seen[e.ID] = struct{}{}
	return nil
}

// List returns up to q.Limit of the most recent matching events, oldest first.
func (s *Store) List(_ context.Context, q ledger.Query) ([]events.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := s.events[i]
		if !q.Matches(&e) {
			continue
		}
		e.Detail = maps.Clone(e.Detail)
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
