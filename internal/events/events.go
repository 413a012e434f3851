// Package events fans lifecycle events out to in-process subscribers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindNodeTransition       Kind = "node_transition"
	KindProposalCommitted    Kind = "proposal_committed"
	KindProposalAborted      Kind = "proposal_aborted"
	KindCollusionSuspected   Kind = "collusion_suspected"
	KindQuarantineCreated    Kind = "quarantine_created"
	KindQuarantineFailed     Kind = "quarantine_failed"
	KindQuarantineHealed     Kind = "quarantine_healed"
	KindQuarantineScaledUp   Kind = "quarantine_scaled_up"
	KindQuarantineScaledDown Kind = "quarantine_scaled_down"
	KindQuarantineTerminated Kind = "quarantine_terminated"
)

// Event is one lifecycle occurrence.
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Time         time.Time      `json:"time"`
	NodeID       string         `json:"node_id,omitempty"`
	ProposalID   string         `json:"proposal_id,omitempty"`
	QuarantineID string         `json:"quarantine_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Subscription delivers events published after Subscribe returned.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	id   uint64
	once sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus is a non-blocking publish/subscribe hub. A subscriber whose buffer is
// full misses the event; the publisher never waits.
type Bus struct {
	logger  log.Logger
	now     func() time.Time
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{
		logger: logger,
		now:    time.Now,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, ch: ch, bus: b, id: b.nextID}
	if b.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish stamps e with an ID and time when missing and delivers it to every
// subscriber. It returns the stamped event.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn(ctx, "event dropped, subscriber buffer full", "event_id", e.ID, "kind", string(e.Kind))
		}
	}
	return e
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes reach nobody.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
