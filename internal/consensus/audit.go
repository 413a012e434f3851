package consensus

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// DetectCollusion correlates voters over the most recent completed proposals
// and returns every pair above CollusionThreshold. Only proposals both voters
// took part in are compared; pairs with fewer than CollusionMinSamples shared
// votes, or with no variance in either sequence, are skipped.
func (e *Engine) DetectCollusion() []CollusionPair {
	recent := e.history.Last(e.cfg.CollusionWindow)

	votes := make(map[node.ID]map[ProposalID]bool)
	for _, p := range recent {
		for voter, v := range p.Votes() {
			if votes[voter] == nil {
				votes[voter] = make(map[ProposalID]bool)
			}
			votes[voter][p.ID] = v
		}
	}

	voters := slices.Sorted(maps.Keys(votes))
	var pairs []CollusionPair
	for i, a := range voters {
		for _, b := range voters[i+1:] {
			var xs, ys []float64
			for _, p := range recent {
				va, okA := votes[a][p.ID]
				vb, okB := votes[b][p.ID]
				if okA && okB {
					xs = append(xs, b2f(va))
					ys = append(ys, b2f(vb))
				}
			}
			if len(xs) < e.cfg.CollusionMinSamples {
				continue
			}
			r, ok := pearson(xs, ys)
			if ok && r > e.cfg.CollusionThreshold {
				pairs = append(pairs, CollusionPair{A: a, B: b, Correlation: r, Samples: len(xs)})
			}
		}
	}
	return pairs
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// pearson returns the correlation coefficient, false when either series is constant.
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}

// CheckAttrition aborts every open round that can no longer reach quorum
// because too few eligible voters remain. It returns the aborted IDs.
func (e *Engine) CheckAttrition(ctx context.Context) []ProposalID {
	eligible := make(map[node.ID]struct{})
	for _, id := range e.src.NodeIDs() {
		if t, ok := e.src.TrustOf(id); ok && t >= e.cfg.ParticipationThreshold {
			eligible[id] = struct{}{}
		}
	}

	e.mu.RLock()
	rounds := slices.Collect(maps.Values(e.active))
	e.mu.RUnlock()

	var aborted []ProposalID
	for _, r := range rounds {
		r.mu.Lock()
		if r.state.Terminal() {
			r.mu.Unlock()
			continue
		}
		remaining := 0
		for id := range eligible {
			_, yes := r.confirmations[id]
			_, no := r.rejections[id]
			if !yes && !no {
				remaining++
			}
		}
		if len(r.confirmations)+remaining >= r.required {
			r.mu.Unlock()
			continue
		}
		r.state = StateAborted
		r.decidedAt = e.now()
		r.abortReason = (&faults.QuorumUnreachableError{
			ProposalID: string(r.id),
			Detail: fmt.Sprintf("%d confirmations and %d eligible voters left, %d required",
				len(r.confirmations), remaining, r.required),
		}).Error()
		snap := r.snapshot()
		r.mu.Unlock()

		e.close(ctx, snap)
		aborted = append(aborted, snap.ID)
	}
	return aborted
}

// Expire aborts an open round on behalf of a caller-imposed timeout policy.
func (e *Engine) Expire(ctx context.Context, id ProposalID, reason string) error {
	e.mu.RLock()
	r, ok := e.active[id]
	e.mu.RUnlock()
	if !ok {
		if _, closed := e.find(id); closed {
			return fmt.Errorf("proposal %s is closed: %w", id, faults.ErrConflict)
		}
		return fmt.Errorf("proposal %s: %w", id, faults.ErrNotFound)
	}

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("proposal %s is closed: %w", id, faults.ErrConflict)
	}
	r.state = StateAborted
	r.decidedAt = e.now()
	if reason == "" {
		reason = "expired"
	}
	r.abortReason = reason
	snap := r.snapshot()
	r.mu.Unlock()

	e.close(ctx, snap)
	return nil
}

// ExpireOlderThan aborts every open round created more than ttl ago.
func (e *Engine) ExpireOlderThan(ctx context.Context, ttl time.Duration) []ProposalID {
	cutoff := e.now().Add(-ttl)
	var expired []ProposalID
	for _, p := range e.Active() {
		if p.CreatedAt.Before(cutoff) {
			if err := e.Expire(ctx, p.ID, fmt.Sprintf("no quorum within %s", ttl)); err == nil {
				expired = append(expired, p.ID)
			}
		}
	}
	return expired
}

// Audit runs one attrition and collusion pass.
func (e *Engine) Audit(ctx context.Context) ([]CollusionPair, []ProposalID) {
	aborted := e.CheckAttrition(ctx)
	pairs := e.DetectCollusion()
	for _, p := range pairs {
		e.logger.Warn(ctx, "suspected vote collusion",
			"node_a", p.A, "node_b", p.B, "correlation", p.Correlation, "samples", p.Samples)
	}
	if e.hooks.OnAudit != nil {
		e.hooks.OnAudit(pairs, len(aborted))
	}
	return pairs, aborted
}

// RunAudit runs Audit every interval until ctx is canceled. A positive ttl
// also expires rounds older than ttl.
func (e *Engine) RunAudit(ctx context.Context, interval, ttl time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ttl > 0 {
				e.ExpireOlderThan(ctx, ttl)
			}
			e.Audit(ctx)
		}
	}
}

// Stats summarizes the last StatsWindow completed proposals and the trust
// distribution of the network.
func (e *Engine) Stats() Stats {
	var s Stats
	recent := e.history.Last(e.cfg.StatsWindow)
	s.TotalAttempts = len(recent)
	var decision time.Duration
	for _, p := range recent {
		switch p.State {
		case StateCommitted:
			s.Committed++
			decision += p.DecidedAt.Sub(p.CreatedAt)
		case StateAborted:
			s.Aborted++
		}
	}
	if s.TotalAttempts > 0 {
		s.SuccessRate = float64(s.Committed) / float64(s.TotalAttempts)
	}
	if s.Committed > 0 {
		s.AvgDecisionSeconds = (decision / time.Duration(s.Committed)).Seconds()
	}

	e.mu.RLock()
	s.ActiveProposals = len(e.active)
	s.CompromisedNodes = len(e.compromised)
	e.mu.RUnlock()

	var trusts []float64
	for _, id := range e.src.NodeIDs() {
		t, ok := e.src.TrustOf(id)
		if !ok {
			continue
		}
		trusts = append(trusts, t)
		if t >= e.cfg.ParticipationThreshold {
			s.NodesAboveThreshold++
		}
	}
	s.TotalNodes = len(trusts)
	if len(trusts) > 0 {
		var sum float64
		for _, t := range trusts {
			sum += t
		}
		s.AverageTrust = sum / float64(len(trusts))
		for _, t := range trusts {
			s.TrustVariance += (t - s.AverageTrust) * (t - s.AverageTrust)
		}
		s.TrustVariance /= float64(len(trusts))
	}
	s.MaxTolerableFaults = int(math.Floor(float64(s.TotalNodes)*e.cfg.FaultToleranceRatio + 1e-9))
	s.FaultToleranceMargin = s.MaxTolerableFaults - s.CompromisedNodes
	s.Resilient = s.FaultToleranceMargin > 0
	s.ConsensusCapable = s.NodesAboveThreshold >= e.cfg.MinConsensusNodes
	return s
}
