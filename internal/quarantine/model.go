package quarantine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// ID identifies a quarantine environment.
type ID string

// Level is how tightly a quarantined agent is held. Levels are ordered from
// least to most restrictive.
type Level int

const (
	LevelObserveOnly Level = iota
	LevelLimitedInteraction
	LevelSandboxExecution
	LevelCompleteIsolation
	LevelHoneypot
)

var levelNames = [...]string{
	LevelObserveOnly:        "observe_only",
	LevelLimitedInteraction: "limited_interaction",
	LevelSandboxExecution:   "sandbox_execution",
	LevelCompleteIsolation:  "complete_isolation",
	LevelHoneypot:           "honeypot",
}

func (l Level) String() string {
	if l < LevelObserveOnly || l > LevelHoneypot {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l >= LevelObserveOnly && l <= LevelHoneypot }

// Relaxed returns the next less restrictive level and false at ObserveOnly.
// A honeypot relaxes to complete isolation.
func (l Level) Relaxed() (Level, bool) {
	switch l {
	case LevelHoneypot:
		return LevelCompleteIsolation, true
	case LevelCompleteIsolation:
		return LevelSandboxExecution, true
	case LevelSandboxExecution:
		return LevelLimitedInteraction, true
	case LevelLimitedInteraction:
		return LevelObserveOnly, true
	}
	return l, false
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == name {
			return Level(l), nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid isolation level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// State is the lifecycle state of an environment.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateMonitoring   State = "monitoring"
	StateHealing      State = "healing"
	StateTerminating  State = "terminating"
	StateFailed       State = "failed"
)

// Live reports whether the monitor loop should keep running.
func (s State) Live() bool {
	return s == StateActive || s == StateMonitoring || s == StateHealing
}

// Evidence is the detection that motivated a quarantine.
type Evidence struct {
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Request asks for a new quarantine environment.
type Request struct {
	TargetAgent string   `json:"target_agent"`
	Level       Level    `json:"isolation_level"`
	Evidence    Evidence `json:"evidence"`
	// Replicas overrides Config.ReplicationFactor when positive.
	Replicas int `json:"replicas,omitempty"`
	// ProposalID links the environment to the consensus decision that created it.
	ProposalID string `json:"proposal_id,omitempty"`
}

// Validate checks the request fields.
func (r *Request) Validate() error {
	switch {
	case strings.TrimSpace(r.TargetAgent) == "":
		return faults.Invalid("target_agent", "must not be empty")
	case !r.Level.Valid():
		return faults.Invalid("isolation_level", "unknown level %d", int(r.Level))
	case r.Evidence.Confidence < 0 || r.Evidence.Confidence > 1:
		return faults.Invalid("evidence.confidence", "%v outside [0,1]", r.Evidence.Confidence)
	case r.Replicas < 0:
		return faults.Invalid("replicas", "must not be negative")
	}
	return nil
}

// Allocation caps the resources the quarantined workload may use on each
// participating node. The same amount is reserved on every participant.
type Allocation struct {
	CPU      float64 `json:"cpu"`
	MemoryMB float64 `json:"memory_mb"`
}

// Demand is the reservation made against node capacity.
func (a Allocation) Demand() map[node.Resource]float64 {
	return map[node.Resource]float64{
		node.ResourceCPU:    a.CPU,
		node.ResourceMemory: a.MemoryMB,
	}
}

// Scope bounds who may reach, or be reached by, the quarantined agent.
type Scope string

const (
	ScopeAny          Scope = "any"
	ScopeParticipants Scope = "participants"
	ScopeNone         Scope = "none"
)

// Policy is the network policy applied around the quarantined agent.
type Policy struct {
	Inbound  Scope `json:"inbound"`
	Outbound Scope `json:"outbound"`
	// RateLimit is the allowed connections per minute, 0 for no limit.
	RateLimit      int  `json:"rate_limit"`
	DeepInspection bool `json:"deep_inspection"`
	RecordTraffic  bool `json:"record_traffic"`
}

// Health is the latest measurement of an environment. All values are in [0,1].
type Health struct {
	Effectiveness float64 `json:"isolation_effectiveness"`
	Efficiency    float64 `json:"resource_efficiency"`
	Coverage      float64 `json:"monitoring_coverage"`
}

// Environment is a point-in-time copy of a quarantine environment.
type Environment struct {
	ID              ID                      `json:"id"`
	TargetAgent     string                  `json:"target_agent"`
	Level           Level                   `json:"isolation_level"`
	State           State                   `json:"state"`
	Coordinator     node.ID                 `json:"coordinator"`
	Participants    []node.ID               `json:"participants"`
	Roles           map[node.Role][]node.ID `json:"roles"`
	Allocation      Allocation              `json:"allocation"`
	Policy          Policy                  `json:"network_policy"`
	Health          Health                  `json:"health"`
	Evidence        Evidence                `json:"evidence"`
	ProposalID      string                  `json:"proposal_id,omitempty"`
	FailedNodes     []node.ID               `json:"failed_nodes,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	LastHealthCheck time.Time               `json:"last_health_check,omitzero"`
	HealingSince    time.Time               `json:"healing_since,omitzero"`
}

// RoleOf returns the role a participant holds in the environment.
func (e *Environment) RoleOf(id node.ID) (node.Role, bool) {
	for r, ids := range e.Roles {
		for _, n := range ids {
			if n == id {
				return r, true
			}
		}
	}
	return "", false
}

// CreateResult is the outcome of a successful creation.
type CreateResult struct {
	ID ID `json:"id"`
	// FailedNodes lists participants that did not initialize. The environment
	// runs without them.
	FailedNodes map[node.ID]string `json:"failed_nodes,omitempty"`
}

// Stats summarizes the orchestrator.
type Stats struct {
	TotalQuarantines          int64         `json:"total_quarantines"`
	ActiveQuarantines         int           `json:"active_quarantines"`
	FailedCreations           int64         `json:"failed_creations"`
	AvgUtilization            float64       `json:"avg_utilization"`
	AvgIsolationEffectiveness float64       `json:"avg_isolation_effectiveness"`
	ByLevel                   map[Level]int `json:"by_level"`
}

// Directory is the node inventory the orchestrator schedules onto. Acquire
// and Release must be atomic per node.
type Directory interface {
	Nodes() []node.Info
	Node(id node.ID) (node.Info, bool)
	Acquire(id node.ID, quarantineID string, demand map[node.Resource]float64) error
	Release(id node.ID, quarantineID string, demand map[node.Resource]float64)
}

// Runtime stands environments up on individual nodes.
type Runtime interface {
	Init(ctx context.Context, n node.ID, env Environment) error
	Reconfigure(ctx context.Context, n node.ID, env Environment) error
	Cleanup(ctx context.Context, n node.ID, id ID) error
}

// HealthProbe measures a running environment.
type HealthProbe interface {
	// Effectiveness is how well the isolation holds, in [0,1].
	Effectiveness(ctx context.Context, env Environment) (float64, error)
	// Anomaly is the current anomaly of the target agent, in [0,1].
	Anomaly(ctx context.Context, env Environment) (float64, error)
}

// Healer feeds healing progress back into the trust graph.
type Healer interface {
	ApplyHealing(ctx context.Context, id node.ID) error
	MarkRecovered(ctx context.Context, id node.ID) error
}

// Config holds orchestrator settings.
type Config struct {
	// ReplicationFactor is the target number of non-coordinator participants.
	ReplicationFactor int
	// ConsensusThreshold is the fraction of participants that must initialize.
	ConsensusThreshold float64
	MonitorInterval    time.Duration
	// InitTimeout bounds node initialization. Nodes that miss it count as failed.
	InitTimeout time.Duration
	// InitParallelism bounds concurrent node calls per operation.
	InitParallelism int
	ProbeTimeout    time.Duration
	// HealingWindow is how many anomaly observations a healing decision averages.
	HealingWindow int
	// HealingAnomalyThreshold is the mean anomaly below which a step is taken.
	HealingAnomalyThreshold float64
	// HealingDuration is how long an environment stays at ObserveOnly before it completes.
	HealingDuration time.Duration
	// LoadThreshold marks a participant as overloaded.
	LoadThreshold     float64
	LowEfficiency     float64
	HighEffectiveness float64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		ReplicationFactor:       3,
		ConsensusThreshold:      0.6,
		MonitorInterval:         5 * time.Second,
		InitTimeout:             30 * time.Second,
		InitParallelism:         8,
		ProbeTimeout:            5 * time.Second,
		HealingWindow:           5,
		HealingAnomalyThreshold: 0.2,
		HealingDuration:         5 * time.Minute,
		LoadThreshold:           0.8,
		LowEfficiency:           0.3,
		HighEffectiveness:       0.9,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		c.ConsensusThreshold = d.ConsensusThreshold
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.InitParallelism <= 0 {
		c.InitParallelism = d.InitParallelism
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.HealingWindow <= 0 {
		c.HealingWindow = d.HealingWindow
	}
	if c.HealingAnomalyThreshold <= 0 {
		c.HealingAnomalyThreshold = d.HealingAnomalyThreshold
	}
	if c.HealingDuration <= 0 {
		c.HealingDuration = d.HealingDuration
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = d.LoadThreshold
	}
	if c.LowEfficiency <= 0 {
		c.LowEfficiency = d.LowEfficiency
	}
	if c.HighEffectiveness <= 0 {
		c.HighEffectiveness = d.HighEffectiveness
	}
	return c
}

// Hooks receives lifecycle callbacks. Every field is optional.
type Hooks struct {
	OnCreate       func(env Environment, failedNodes int)
	OnCreateFailed func(req Request, reason string)
	OnTerminate    func(env Environment, reason string)
	OnHeal         func(env Environment, from, to Level)
	OnScale        func(env Environment, direction string, n node.ID)
	OnCheck        func(env Environment)
}
