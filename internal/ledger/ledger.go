// Package ledger persists lifecycle events for audit.
package ledger

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
)

// DefaultLimit caps List when Query.Limit is zero.
const DefaultLimit = 100

// MaxLimit is the largest page List returns.
const MaxLimit = 1000

// Query filters ledger entries. Zero fields match everything.
type Query struct {
	Kind         events.Kind
	NodeID       string
	ProposalID   string
	QuarantineID string
	Since        time.Time
	Limit        int
}

// Validate normalizes the limit.
func (q *Query) Validate() error {
	switch {
	case q.Limit < 0:
		return faults.Invalid("limit", "must not be negative")
	case q.Limit == 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return nil
}

// Matches reports whether e passes every set filter.
func (q *Query) Matches(e *events.Event) bool {
	switch {
	case q.Kind != "" && e.Kind != q.Kind:
		return false
	case q.NodeID != "" && e.NodeID != q.NodeID:
		return false
	case q.ProposalID != "" && e.ProposalID != q.ProposalID:
		return false
	case q.QuarantineID != "" && e.QuarantineID != q.QuarantineID:
		return false
	case !q.Since.IsZero() && e.Time.Before(q.Since):
		return false
	}
	return true
}

// Store is the persistence interface for lifecycle events. Append is
// idempotent on event ID. List returns the most recent matches, oldest first.
type Store interface {
	Append(ctx context.Context, e events.Event) error
	List(ctx context.Context, q Query) ([]events.Event, error)
}

// Record appends every event from sub to store until ctx is canceled or the
// subscription closes. Failed appends are logged and skipped.
func Record(ctx context.Context, sub *events.Subscription, store Store, logger log.Logger) {
	if logger == nil {
		logger = log.Nop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := store.Append(ctx, e); err != nil {
				logger.Error(ctx, err, "ledger append failed", "event_id", e.ID, "kind", string(e.Kind))
			}
		}
	}
}
