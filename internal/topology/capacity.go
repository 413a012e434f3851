package topology

import (
	"fmt"
	"maps"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// Acquire reserves a quarantine slot and demand on a node. The check and the
// increment happen under the node lock, so concurrent quarantines can never
// push a node past MaxQuarantines or its capacity.
func (g *Graph) Acquire(id node.ID, quarantineID string, demand map[node.Resource]float64) error {
	r, ok := g.record(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.active[quarantineID]; dup {
		return fmt.Errorf("node %s already hosts %s: %w", id, quarantineID, faults.ErrConflict)
	}
	info := r.info()
	if !info.Available() {
		return &faults.ResourceExhaustedError{Detail: fmt.Sprintf("node %s unavailable (state %s, %d/%d quarantines)",
			id, info.State, len(info.ActiveQuarantines), info.MaxQuarantines)}
	}
	if !info.Fits(demand) {
		return &faults.ResourceExhaustedError{Detail: fmt.Sprintf("node %s lacks capacity for %v", id, demand)}
	}
	r.active[quarantineID] = struct{}{}
	for res, d := range demand {
		r.allocLoad[res] += d
	}
	return nil
}

// Release returns a slot and demand reserved by Acquire. Releasing a
// quarantine the node does not host is a no-op.
func (g *Graph) Release(id node.ID, quarantineID string, demand map[node.Resource]float64) {
	r, ok := g.record(id)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[quarantineID]; !held {
		return
	}
	delete(r.active, quarantineID)
	for res, d := range demand {
		r.allocLoad[res] = max(0, r.allocLoad[res]-d)
	}
}

// Allocated returns the quarantine load currently reserved on a node.
func (g *Graph) Allocated(id node.ID) map[node.Resource]float64 {
	r, ok := g.record(id)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.allocLoad)
}
