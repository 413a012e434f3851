// Package node holds the identifiers and snapshots shared by the trust graph,
// the consensus engine and the quarantine orchestrator.
package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/palisade/internal/trust"
)

// ID identifies a node in the defense network.
type ID string

// State is where a node sits in the trust lifecycle.
type State string

const (
	StateHealthy     State = "healthy"
	StateSuspicious  State = "suspicious"
	StateQuarantined State = "quarantined"
	StateIsolated    State = "isolated"
	StateRecovering  State = "recovering"
)

// Role is a responsibility a node can take inside a quarantine environment.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleMonitor     Role = "monitor"
	RoleExecutor    Role = "executor"
	RoleAnalyst     Role = "analyst"
	RoleHealer      Role = "healer"
)

// Roles lists every role in assignment priority order.
var Roles = []Role{RoleCoordinator, RoleMonitor, RoleExecutor, RoleAnalyst, RoleHealer}

// ParseRole resolves a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Resource names a capacity dimension on a node.
type Resource string

const (
	ResourceCPU    Resource = "cpu"
	ResourceMemory Resource = "memory"
)

// Info is a point-in-time copy of a node. Mutating it has no effect on the graph.
type Info struct {
	ID                ID                   `json:"id"`
	State             State                `json:"state"`
	Trust             trust.Vector         `json:"trust"`
	Roles             []Role               `json:"roles"`
	Capacity          map[Resource]float64 `json:"capacity"`
	Load              map[Resource]float64 `json:"load"`
	ActiveQuarantines []string             `json:"active_quarantines"`
	MaxQuarantines    int                  `json:"max_quarantines"`
	Reliability       float64              `json:"reliability"`
	ResponseTime      float64              `json:"response_time"`
	Specializations   []string             `json:"specializations,omitempty"`
	LastSeen          time.Time            `json:"last_seen"`
}

// HasRole reports whether the node advertises the role.
func (i *Info) HasRole(r Role) bool {
	for _, have := range i.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// HasSpecialization reports whether the node lists the given specialization.
func (i *Info) HasSpecialization(s string) bool {
	for _, have := range i.Specializations {
		if strings.EqualFold(have, s) {
			return true
		}
	}
	return false
}

// SpareSlots is how many more quarantines the node can host.
func (i *Info) SpareSlots() int {
	n := i.MaxQuarantines - len(i.ActiveQuarantines)
	if n < 0 {
		return 0
	}
	return n
}

// Utilization returns load/capacity for one resource, 0 when the node has no capacity for it.
func (i *Info) Utilization(r Resource) float64 {
	c := i.Capacity[r]
	if c <= 0 {
		return 0
	}
	return i.Load[r] / c
}

// AvgLoad is the mean utilization across every resource with capacity.
func (i *Info) AvgLoad() float64 {
	var sum float64
	var n int
	for r, c := range i.Capacity {
		if c <= 0 {
			continue
		}
		sum += i.Load[r] / c
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Fits reports whether adding demand keeps every resource within capacity.
func (i *Info) Fits(demand map[Resource]float64) bool {
	for r, d := range demand {
		if i.Load[r]+d > i.Capacity[r] {
			return false
		}
	}
	return true
}

// Available reports whether the node may take on quarantine work at all.
func (i *Info) Available() bool {
	switch i.State {
	case StateHealthy, StateSuspicious, StateRecovering:
		return i.SpareSlots() > 0
	default:
		return false
	}
}
