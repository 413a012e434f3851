package defense

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// escalate opens a quarantine proposal for each node adaptation quarantined
// or isolated. Isolated nodes get complete isolation, quarantined nodes a
// sandbox.
func (s *Service) escalate(ctx context.Context, res topology.AdaptResult) {
	if !s.cfg.AutoPropose {
		return
	}
	for _, id := range res.Isolated {
		s.proposeQuarantine(ctx, id, quarantine.LevelCompleteIsolation)
	}
	for _, id := range res.Quarantined {
		s.proposeQuarantine(ctx, id, quarantine.LevelSandboxExecution)
	}
}

func (s *Service) proposeQuarantine(ctx context.Context, target node.ID, level quarantine.Level) {
	L := s.logger.With("target_agent", target, "isolation_level", level.String())

	if s.hasQuarantine(target) {
		L.Info(ctx, "escalation skipped, target already quarantined")
		return
	}
	s.mu.Lock()
	if pid, ok := s.pending[target]; ok {
		s.mu.Unlock()
		L.Info(ctx, "escalation skipped, proposal already open", "proposal_id", pid)
		return
	}
	s.mu.Unlock()

	proposer, ok := s.proposer(target)
	if !ok {
		L.Warn(ctx, "escalation skipped, no node is trusted enough to propose")
		return
	}

	score, _ := s.graph.AnomalyScore(target)
	info, _ := s.graph.Node(target)
	content, err := json.Marshal(quarantineAction{
		Action:      actionQuarantine,
		TargetAgent: string(target),
		Level:       level,
		Evidence: quarantine.Evidence{
			Confidence: score,
			Evidence: []string{
				fmt.Sprintf("anomaly_score=%.3f", score),
				fmt.Sprintf("state=%s", info.State),
			},
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to encode quarantine proposal")
		return
	}

	pid, err := s.engine.Propose(ctx, proposer, content)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pending[target] = pid
	s.mu.Unlock()
	L.Info(ctx, "quarantine proposed", "proposal_id", pid, "proposer", proposer, "anomaly", score)

	if s.cfg.AutoVote {
		s.autoVote(ctx, pid, target)
	}
}

func (s *Service) hasQuarantine(target node.ID) bool {
	for _, env := range s.orch.List() {
		if env.TargetAgent == string(target) && env.State.Live() {
			return true
		}
	}
	return false
}

// proposer is the most trusted node other than target that clears the
// proposal threshold.
func (s *Service) proposer(target node.ID) (node.ID, bool) {
	threshold := s.engine.Config().ProposalThreshold
	var (
		best      node.ID
		bestTrust = -1.0
	)
	for _, id := range s.graph.NodeIDs() {
		if id == target {
			continue
		}
		t, ok := s.graph.TrustOf(id)
		if !ok || t < threshold {
			continue
		}
		if t > bestTrust || (t == bestTrust && cmp.Less(id, best)) {
			best, bestTrust = id, t
		}
	}
	return best, bestTrust >= 0
}

// autoVote casts a vote for every trusted peer. A peer approves when it
// sees the target as anything but healthy or recovering.
func (s *Service) autoVote(ctx context.Context, pid consensus.ProposalID, target node.ID) {
	info, ok := s.graph.Node(target)
	approve := ok && (info.State == node.StateSuspicious || info.State == node.StateQuarantined || info.State == node.StateIsolated)
	reason := ""
	if !approve {
		reason = "target not anomalous"
	}

	threshold := s.engine.Config().ParticipationThreshold
	voters := s.graph.NodeIDs()
	slices.Sort(voters)
	for _, v := range voters {
		if v == target {
			continue
		}
		if t, ok := s.graph.TrustOf(v); !ok || t < threshold {
			continue
		}
		if s.engine.GetProposalState(pid).Terminal() {
			return
		}
		_ = s.engine.Vote(ctx, v, pid, approve, reason)
	}
}

// decided clears the pending marker and enacts committed quarantine actions
// asynchronously.
func (s *Service) decided(p consensus.Proposal) {
	s.mu.Lock()
	for target, pid := range s.pending {
		if pid == p.ID {
			delete(s.pending, target)
		}
	}
	s.mu.Unlock()

	kind := events.KindProposalCommitted
	detail := map[string]any{
		"confirmations": len(p.Confirmations),
		"rejections":    len(p.Rejections),
		"required":      p.RequiredConfirmations,
	}
	if p.State == consensus.StateAborted {
		kind = events.KindProposalAborted
		detail["abort_reason"] = p.AbortReason
	}
	act, isAction, _ := parseAction(p.Content)
	ev := events.Event{Kind: kind, ProposalID: string(p.ID), Detail: detail}
	if isAction {
		ev.NodeID = act.TargetAgent
		detail["isolation_level"] = act.Level.String()
	}
	s.bus.Publish(s.base, ev)

	if p.State != consensus.StateCommitted || !isAction {
		return
	}
	s.enacting.Add(1)
	go s.enact(context.WithoutCancel(s.base), p.ID, act)
}

func (s *Service) enact(ctx context.Context, pid consensus.ProposalID, act quarantineAction) {
	defer s.enacting.Done()
	L := s.logger.With("proposal_id", pid, "target_agent", act.TargetAgent)
	res, err := s.orch.Create(ctx, act.request(pid))
	if err != nil {
		L.Warn(ctx, "committed quarantine could not be created", "error", err.Error())
		return
	}
	L.Info(ctx, "committed quarantine created", "quarantine_id", res.ID, "failed_nodes", len(res.FailedNodes))
}
