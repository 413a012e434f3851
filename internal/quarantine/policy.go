package quarantine

import (
	"math"

	"github.com/linnemanlabs/palisade/internal/node"
)

// baseAllocation is the per-node allowance at zero confidence.
var baseAllocation = map[Level]Allocation{
	LevelObserveOnly:        {CPU: 1, MemoryMB: 1024},
	LevelLimitedInteraction: {CPU: 0.75, MemoryMB: 768},
	LevelSandboxExecution:   {CPU: 0.5, MemoryMB: 512},
	LevelCompleteIsolation:  {CPU: 0.25, MemoryMB: 256},
	LevelHoneypot:           {CPU: 0.5, MemoryMB: 512},
}

// AllocationFor derives the resource caps for a level. Higher confidence
// halves the allowance at most.
func AllocationFor(l Level, confidence float64) Allocation {
	base := baseAllocation[l]
	f := 1 - 0.5*clamp01(confidence)
	return Allocation{
		CPU:      math.Round(base.CPU*f*100) / 100,
		MemoryMB: math.Round(base.MemoryMB * f),
	}
}

// PolicyFor derives the network policy for a level. Confidence tightens the
// rate limit and, for sandboxes, closes outbound traffic.
func PolicyFor(l Level, confidence float64) Policy {
	c := clamp01(confidence)
	switch l {
	case LevelObserveOnly:
		p := Policy{Inbound: ScopeAny, Outbound: ScopeAny, RecordTraffic: true}
		if c >= 0.7 {
			p.RateLimit = 600
		}
		return p
	case LevelLimitedInteraction:
		return Policy{
			Inbound:        ScopeAny,
			Outbound:       ScopeParticipants,
			RateLimit:      30 + int(300*(1-c)),
			DeepInspection: true,
			RecordTraffic:  true,
		}
	case LevelSandboxExecution:
		p := Policy{
			Inbound:        ScopeParticipants,
			Outbound:       ScopeParticipants,
			RateLimit:      10 + int(60*(1-c)),
			DeepInspection: true,
			RecordTraffic:  true,
		}
		if c >= 0.5 {
			p.Outbound = ScopeNone
		}
		return p
	case LevelHoneypot:
		return Policy{Inbound: ScopeAny, Outbound: ScopeNone, DeepInspection: true, RecordTraffic: true}
	}
	return Policy{Inbound: ScopeNone, Outbound: ScopeNone, RecordTraffic: true}
}

// requiredRoles lists the worker roles an environment at level l must cover.
func requiredRoles(l Level) []node.Role {
	roles := []node.Role{node.RoleMonitor, node.RoleExecutor, node.RoleAnalyst}
	if l == LevelLimitedInteraction || l == LevelSandboxExecution {
		roles = append(roles, node.RoleHealer)
	}
	return roles
}

// initQuorum is how many participants must initialize for a creation to stand.
func initQuorum(participants int, threshold float64) int {
	return max(2, int(math.Ceil(float64(participants)*threshold-1e-9)))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
