package quarantine

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

type assignment struct {
	ID   node.ID
	Role node.Role
}

type plan struct {
	coordinator node.ID
	workers     []assignment
}

func (p plan) all() []assignment {
	return append([]assignment{{ID: p.coordinator, Role: node.RoleCoordinator}}, p.workers...)
}

// coordinatorScore ranks coordinator candidates. Nodes specialized in
// quarantine work, or in the requested level, get the full bonus.
func coordinatorScore(n *node.Info, l Level) float64 {
	var bonus float64
	if n.HasSpecialization("quarantine") || n.HasSpecialization(l.String()) {
		bonus = 1
	}
	return 0.3*(1-clamp01(n.AvgLoad())) +
		0.3*(n.Trust.Overall*n.Reliability) +
		0.2*(1-clamp01(n.ResponseTime)) +
		0.2*bonus
}

func fitness(n *node.Info) float64 { return n.Trust.Overall * n.Reliability }

// eligible returns the nodes that can host demand, excluding the target and
// anything in skip, best fitness first.
func eligible(nodes []node.Info, target string, demand map[node.Resource]float64, skip map[node.ID]struct{}) []node.Info {
	out := make([]node.Info, 0, len(nodes))
	for _, n := range nodes {
		if string(n.ID) == target || !n.Available() || !n.Fits(demand) {
			continue
		}
		if _, s := skip[n.ID]; s {
			continue
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b node.Info) int {
		if c := cmp.Compare(fitness(&b), fitness(&a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// selectNodes picks a coordinator and up to workers participants covering
// every role the level requires.
func selectNodes(nodes []node.Info, target string, l Level, demand map[node.Resource]float64, workers int) (plan, error) {
	pool := eligible(nodes, target, demand, nil)

	best, bestScore := -1, -1.0
	for i := range pool {
		if !pool[i].HasRole(node.RoleCoordinator) {
			continue
		}
		s := coordinatorScore(&pool[i], l)
		if s > bestScore || (s == bestScore && pool[i].ID < pool[best].ID) {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return plan{}, &faults.ResourceExhaustedError{
			Role:   string(node.RoleCoordinator),
			Detail: "no available node can coordinate",
		}
	}

	p := plan{coordinator: pool[best].ID}
	taken := map[node.ID]struct{}{p.coordinator: {}}
	required := requiredRoles(l)
	workers = max(workers, len(required))

	for _, role := range required {
		i := slices.IndexFunc(pool, func(n node.Info) bool {
			_, t := taken[n.ID]
			return !t && n.HasRole(role)
		})
		if i < 0 {
			return plan{}, &faults.ResourceExhaustedError{
				Role:   string(role),
				Detail: fmt.Sprintf("no available node for %s isolation", l),
			}
		}
		taken[pool[i].ID] = struct{}{}
		p.workers = append(p.workers, assignment{ID: pool[i].ID, Role: role})
	}

	for i := range pool {
		if len(p.workers) >= workers {
			break
		}
		if _, t := taken[pool[i].ID]; t {
			continue
		}
		taken[pool[i].ID] = struct{}{}
		p.workers = append(p.workers, assignment{ID: pool[i].ID, Role: primaryRole(&pool[i], required)})
	}
	return p, nil
}

// promoteCoordinator picks the initialized member best able to take over
// from a coordinator that failed to initialize.
func promoteCoordinator(dir Directory, members []assignment, failed map[node.ID]error, l Level) (node.ID, bool) {
	var best node.ID
	bestScore := -1.0
	for _, a := range members {
		if _, bad := failed[a.ID]; bad {
			continue
		}
		info, ok := dir.Node(a.ID)
		if !ok || !info.HasRole(node.RoleCoordinator) {
			continue
		}
		s := coordinatorScore(&info, l)
		if s > bestScore || (s == bestScore && a.ID < best) {
			best, bestScore = a.ID, s
		}
	}
	return best, best != ""
}

// primaryRole is the first required role the node advertises, Monitor otherwise.
func primaryRole(n *node.Info, required []node.Role) node.Role {
	for _, r := range required {
		if n.HasRole(r) {
			return r
		}
	}
	return node.RoleMonitor
}

// selectExtra picks the node to add when scaling up, preferring monitors.
func selectExtra(nodes []node.Info, target string, demand map[node.Resource]float64, skip map[node.ID]struct{}) (node.ID, bool) {
	pool := eligible(nodes, target, demand, skip)
	if len(pool) == 0 {
		return "", false
	}
	if i := slices.IndexFunc(pool, func(n node.Info) bool { return n.HasRole(node.RoleMonitor) }); i >= 0 {
		return pool[i].ID, true
	}
	return pool[0].ID, true
}
