package defense

import (
	"time"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// topologyHooks chains metrics with event publishing. Only the primary
// network escalates adapted nodes to proposals.
func (s *Service) topologyHooks(networkID string, m topology.Hooks, primary bool) topology.Hooks {
	h := m
	h.OnTransition = func(id node.ID, from, to node.State) {
		if m.OnTransition != nil {
			m.OnTransition(id, from, to)
		}
		s.bus.Publish(s.base, events.Event{
			Kind:   events.KindNodeTransition,
			NodeID: string(id),
			Detail: map[string]any{"network_id": networkID, "from": string(from), "to": string(to)},
		})
	}
	h.OnAdapt = func(res topology.AdaptResult, health topology.Health) {
		if m.OnAdapt != nil {
			m.OnAdapt(res, health)
		}
		if primary {
			s.escalate(s.base, res)
		}
	}
	return h
}

func (s *Service) consensusHooks(m consensus.Hooks) consensus.Hooks {
	h := m
	h.OnDecision = func(p consensus.Proposal) {
		if m.OnDecision != nil {
			m.OnDecision(p)
		}
		s.decided(p)
	}
	h.OnAudit = func(pairs []consensus.CollusionPair, aborted int) {
		if m.OnAudit != nil {
			m.OnAudit(pairs, aborted)
		}
		for _, pr := range pairs {
			s.bus.Publish(s.base, events.Event{
				Kind:   events.KindCollusionSuspected,
				Detail: map[string]any{
					"a":           string(pr.A),
					"b":           string(pr.B),
					"correlation": pr.Correlation,
					"samples":     pr.Samples,
				},
			})
		}
	}
	return h
}

func (s *Service) quarantineHooks(m quarantine.Hooks) quarantine.Hooks {
	h := m
	h.OnCreate = func(env quarantine.Environment, failed int) {
		if m.OnCreate != nil {
			m.OnCreate(env, failed)
		}
		s.publishEnv(events.KindQuarantineCreated, env, map[string]any{
			"participants": len(env.Participants),
			"coordinator":  string(env.Coordinator),
			"failed_nodes": failed,
			"confidence":   env.Evidence.Confidence,
		})
	}
	h.OnCreateFailed = func(req quarantine.Request, reason string) {
		if m.OnCreateFailed != nil {
			m.OnCreateFailed(req, reason)
		}
		s.bus.Publish(s.base, events.Event{
			Kind:       events.KindQuarantineFailed,
			NodeID:     req.TargetAgent,
			ProposalID: req.ProposalID,
			Detail:     map[string]any{"isolation_level": req.Level.String(), "reason": reason},
		})
	}
	h.OnHeal = func(env quarantine.Environment, from, to quarantine.Level) {
		if m.OnHeal != nil {
			m.OnHeal(env, from, to)
		}
		s.publishEnv(events.KindQuarantineHealed, env, map[string]any{"from": from.String()})
	}
	h.OnScale = func(env quarantine.Environment, direction string, n node.ID) {
		if m.OnScale != nil {
			m.OnScale(env, direction, n)
		}
		kind := events.KindQuarantineScaledUp
		if direction == "down" {
			kind = events.KindQuarantineScaledDown
		}
		s.publishEnv(kind, env, map[string]any{"node_id": string(n), "participants": len(env.Participants)})
	}
	h.OnTerminate = func(env quarantine.Environment, reason string) {
		if m.OnTerminate != nil {
			m.OnTerminate(env, reason)
		}
		s.publishEnv(events.KindQuarantineTerminated, env, map[string]any{
			"reason":   reason,
			"duration": time.Since(env.CreatedAt).Round(time.Second).String(),
		})
	}
	return h
}

func (s *Service) publishEnv(kind events.Kind, env quarantine.Environment, detail map[string]any) {
	detail["isolation_level"] = env.Level.String()
	s.bus.Publish(s.base, events.Event{
		Kind:         kind,
		NodeID:       env.TargetAgent,
		ProposalID:   env.ProposalID,
		QuarantineID: string(env.ID),
		Detail:       detail,
	})
}
