package topology

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/trust"
)

// AdaptTopology re-evaluates every node's anomaly score, escalates nodes that
// crossed a threshold and recomputes routing tables. Runs are serialized.
func (g *Graph) AdaptTopology(ctx context.Context) AdaptResult {
	g.adaptMu.Lock()
	defer g.adaptMu.Unlock()

	var res AdaptResult
	for _, r := range g.records() {
		r.mu.Lock()
		from := r.state
		score := anomaly(r.signals.Last(g.cfg.AnomalyWindow))
		to := g.classify(from, score)
		switch to {
		case node.StateIsolated:
			r.vector = trust.Zero()
		case node.StateQuarantined:
			r.vector = r.vector.Cap(g.cfg.QuarantineTrustCap)
		}
		r.state = to
		r.mu.Unlock()

		if from == to {
			continue
		}
		switch to {
		case node.StateIsolated:
			res.Isolated = append(res.Isolated, r.id)
			g.restrictEdges(r.id, 0)
		case node.StateQuarantined:
			res.Quarantined = append(res.Quarantined, r.id)
			g.restrictEdges(r.id, g.cfg.QuarantineTrustCap)
		case node.StateSuspicious:
			res.Suspicious = append(res.Suspicious, r.id)
		case node.StateHealthy:
			res.Cleared = append(res.Cleared, r.id)
		}
		g.transition(ctx, r.id, from, to)
		if to == node.StateIsolated || to == node.StateQuarantined {
			g.logger.Warn(ctx, "node escalated", "node_id", r.id, "state", to, "anomaly", score)
		}
	}

	res.RoutesUpdated = g.refreshRoutesLocked()
	g.adaptations.Add(1)

	health := g.GetNetworkHealth()
	if res.Changed() {
		g.logger.Info(ctx, "topology adapted",
			"isolated", len(res.Isolated),
			"quarantined", len(res.Quarantined),
			"routes_updated", res.RoutesUpdated,
			"efficiency", health.Efficiency,
		)
	}
	if g.hooks.OnAdapt != nil {
		g.hooks.OnAdapt(res, health)
	}
	return res
}

// classify returns the state a node moves to given its anomaly score.
// Isolation is terminal until healing; quarantine can only escalate.
func (g *Graph) classify(cur node.State, score float64) node.State {
	switch {
	case cur == node.StateIsolated:
		return cur
	case score >= g.cfg.IsolationThreshold:
		return node.StateIsolated
	case cur == node.StateQuarantined:
		return cur
	case score >= g.cfg.AdaptationThreshold:
		return node.StateQuarantined
	case cur == node.StateRecovering:
		return cur
	case score >= g.cfg.SuspicionThreshold:
		return node.StateSuspicious
	default:
		return node.StateHealthy
	}
}

// restrictEdges caps every edge touching id at ceiling.
func (g *Graph) restrictEdges(id node.ID, ceiling float64) {
	now := g.now()
	for _, rec := range g.incident(id) {
		rec.mu.Lock()
		if rec.e.TrustLevel > ceiling {
			rec.e.TrustLevel = ceiling
			rec.e.RouteWeight = routeWeight(ceiling)
			rec.e.LastUpdated = now
		}
		rec.mu.Unlock()
	}
}

// ApplyHealing records one healing step for a quarantined or isolated node.
// The first step moves it to Recovering, clears its anomaly window and lifts
// its incident edges back to the quarantine cap. Later steps are no-ops.
func (g *Graph) ApplyHealing(ctx context.Context, id node.ID) error {
	r, ok := g.record(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	r.mu.Lock()
	from := r.state
	if from != node.StateQuarantined && from != node.StateIsolated {
		r.mu.Unlock()
		g.logger.Info(ctx, "healing step on non-restricted node ignored", "node_id", id, "state", from)
		return nil
	}
	r.state = node.StateRecovering
	r.vector = trust.Uniform(g.cfg.QuarantineTrustCap)
	r.signals.Reset()
	r.mu.Unlock()

	isolated := g.nodesIn(node.StateIsolated)
	now := g.now()
	for _, rec := range g.incident(id) {
		rec.mu.Lock()
		other := rec.e.Source
		if other == id {
			other = rec.e.Target
		}
		if _, skip := isolated[other]; !skip && rec.e.TrustLevel < g.cfg.QuarantineTrustCap {
			rec.e.TrustLevel = g.cfg.QuarantineTrustCap
			rec.e.RouteWeight = routeWeight(rec.e.TrustLevel)
			rec.e.LastUpdated = now
		}
		rec.mu.Unlock()
	}
	g.routesDirty.Store(true)
	g.transition(ctx, id, from, node.StateRecovering)
	return nil
}

func (g *Graph) nodesIn(states ...node.State) map[node.ID]struct{} {
	out := make(map[node.ID]struct{})
	for _, r := range g.records() {
		r.mu.Lock()
		for _, st := range states {
			if r.state == st {
				out[r.id] = struct{}{}
			}
		}
		r.mu.Unlock()
	}
	return out
}

// MarkRecovered completes healing: a Recovering node returns to Healthy with
// trust restored to the recovery baseline.
func (g *Graph) MarkRecovered(ctx context.Context, id node.ID) error {
	r, ok := g.record(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	r.mu.Lock()
	from := r.state
	if from != node.StateRecovering {
		r.mu.Unlock()
		return fmt.Errorf("node %s is %s, not recovering: %w", id, from, faults.ErrConflict)
	}
	r.state = node.StateHealthy
	if r.vector.Overall < g.cfg.RecoveryTrust {
		r.vector = trust.Uniform(g.cfg.RecoveryTrust)
	}
	r.signals.Reset()
	r.mu.Unlock()

	restricted := g.nodesIn(node.StateIsolated, node.StateQuarantined)
	now := g.now()
	for _, rec := range g.incident(id) {
		rec.mu.Lock()
		other := rec.e.Source
		if other == id {
			other = rec.e.Target
		}
		if _, skip := restricted[other]; !skip && rec.e.TrustLevel < g.cfg.RecoveryTrust {
			rec.e.TrustLevel = g.cfg.RecoveryTrust
			rec.e.RouteWeight = routeWeight(rec.e.TrustLevel)
			rec.e.LastUpdated = now
		}
		rec.mu.Unlock()
	}
	g.routesDirty.Store(true)
	g.transition(ctx, id, from, node.StateHealthy)
	return nil
}
