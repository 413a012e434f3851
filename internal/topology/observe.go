package topology

import (
	"context"
	"math"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/trust"
)

// Validate checks a signal before it is applied.
func (s *Signal) Validate() error {
	if s.Target == "" {
		return faults.Invalid("target_node", "must not be empty")
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return faults.Invalid("confidence", "must be within [0,1], got %v", s.Confidence)
	}
	return nil
}

// ObserveBehavior records a signal and updates the target's trust vector and
// the source->target edge. It reports whether the signal was applied; a signal
// about an unknown target is logged and ignored. Malformed signals return a
// ValidationError.
func (g *Graph) ObserveBehavior(ctx context.Context, sig Signal) (bool, error) {
	if err := sig.Validate(); err != nil {
		g.logger.Warn(ctx, "rejected malformed signal", "target", sig.Target, "source", sig.Source, "error", err.Error())
		g.signalHook(false)
		return false, err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = g.now()
	}

	g.mu.RLock()
	target, ok := g.nodes[sig.Target]
	source := g.nodes[sig.Source]
	edge := g.edges[edgeKey{sig.Source, sig.Target}]
	g.mu.RUnlock()

	if !ok {
		g.logger.Warn(ctx, "ignored signal for unknown node", "target", sig.Target, "source", sig.Source, "signal_type", sig.Type)
		g.signalHook(false)
		return false, nil
	}

	target.mu.Lock()
	window := target.signals.Last(g.cfg.AnomalyWindow)
	target.signals.Push(sig)
	target.lastSeen = sig.Timestamp
	switch target.state {
	case node.StateIsolated:
		// trust stays at zero until a healing decision
	case node.StateQuarantined:
		target.vector = target.vector.Blend(observation(target.vector, sig, window), g.cfg.TrustAlpha).
			Cap(g.cfg.QuarantineTrustCap)
	default:
		target.vector = target.vector.Blend(observation(target.vector, sig, window), g.cfg.TrustAlpha)
	}
	target.mu.Unlock()

	if source != nil && source != target {
		source.mu.Lock()
		source.lastSeen = sig.Timestamp
		source.mu.Unlock()
	}

	if edge != nil && source != nil {
		g.updateEdge(edge, source, target, sig)
	}

	g.history.Push(sig)
	g.signalHook(true)
	return true, nil
}

func (g *Graph) signalHook(applied bool) {
	if g.hooks.OnSignal != nil {
		g.hooks.OnSignal(applied)
	}
}

// observation converts a signal into the trust evidence blended into the
// target's vector. Dimensions without evidence keep their current value.
func observation(cur trust.Vector, sig Signal, window []Signal) trust.Vector {
	consistency := 1.0
	if len(window) > 0 {
		var sum float64
		for _, s := range window {
			sum += s.Confidence
		}
		consistency = 1 - math.Abs(sig.Confidence-sum/float64(len(window)))
	}
	response := cur.Response
	if v, ok := evidenceFloat(sig.Evidence, "response"); ok {
		response = v
	}
	semantic := cur.Semantic
	if v, ok := evidenceFloat(sig.Evidence, "semantic"); ok {
		semantic = v
	}
	return trust.New(sig.Confidence, response, consistency, semantic)
}

func evidenceFloat(ev map[string]any, key string) (float64, bool) {
	switch v := ev[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// updateEdge folds sig into the edge between source and target. Both endpoint
// locks are held across the write so a concurrent isolation either precedes
// it and is applied here, or follows it and zeroes the result.
func (g *Graph) updateEdge(edge *edgeRecord, source, target *nodeRecord, sig Signal) {
	first, second := source, target
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	edge.mu.Lock()
	defer edge.mu.Unlock()
	edge.e.TrustLevel = g.edgeTrust(edge.e.TrustLevel, sig.Confidence, source.state, target.state)
	edge.e.RouteWeight = routeWeight(edge.e.TrustLevel)
	edge.e.LastUpdated = sig.Timestamp
}

func (g *Graph) edgeTrust(cur, confidence float64, states ...node.State) float64 {
	adj := confidence
	if confidence <= 0.5 {
		adj = confidence * 0.5
	}
	return g.boundTrust(trust.Clamp(g.cfg.EdgeDecay*cur+(1-g.cfg.EdgeDecay)*adj), states...)
}

// boundTrust applies the limits the endpoint states put on an edge: zero
// next to an isolated node, the quarantine cap next to a quarantined one.
func (g *Graph) boundTrust(t float64, states ...node.State) float64 {
	for _, st := range states {
		if st == node.StateIsolated {
			return 0
		}
	}
	for _, st := range states {
		if st == node.StateQuarantined {
			t = min(t, g.cfg.QuarantineTrustCap)
		}
	}
	return t
}

// AnomalyScore is the mean of (1 - confidence) over the node's most recent
// signals. A node with no signals scores zero.
func (g *Graph) AnomalyScore(id node.ID) (float64, bool) {
	r, ok := g.record(id)
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return anomaly(r.signals.Last(g.cfg.AnomalyWindow)), true
}

func anomaly(window []Signal) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += 1 - s.Confidence
	}
	return sum / float64(len(window))
}
