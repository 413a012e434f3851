package quarantine

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/node"
)

// LogRuntime is a Runtime that records every call in the log and never fails.
// It stands in where nodes are not backed by real execution hosts.
type LogRuntime struct {
	Logger log.Logger
}

func (r LogRuntime) logger() log.Logger {
	if r.Logger == nil {
		return log.Nop()
	}
	return r.Logger
}

func (r LogRuntime) Init(ctx context.Context, n node.ID, env Environment) error {
	r.logger().Info(ctx, "environment initialized on node",
		"quarantine_id", env.ID,
		"node_id", n,
		"isolation_level", env.Level.String(),
		"inbound", env.Policy.Inbound,
		"outbound", env.Policy.Outbound,
		"cpu", env.Allocation.CPU,
		"memory_mb", env.Allocation.MemoryMB,
	)
	return nil
}

func (r LogRuntime) Reconfigure(ctx context.Context, n node.ID, env Environment) error {
	r.logger().Info(ctx, "environment reconfigured on node",
		"quarantine_id", env.ID,
		"node_id", n,
		"isolation_level", env.Level.String(),
		"inbound", env.Policy.Inbound,
		"outbound", env.Policy.Outbound,
	)
	return nil
}

func (r LogRuntime) Cleanup(ctx context.Context, n node.ID, id ID) error {
	r.logger().Info(ctx, "environment removed from node", "quarantine_id", id, "node_id", n)
	return nil
}

// AnomalySource reports the current anomaly score of a node.
type AnomalySource interface {
	AnomalyScore(id node.ID) (float64, bool)
}

// levelEffectiveness is the nominal containment each level provides.
var levelEffectiveness = map[Level]float64{
	LevelObserveOnly:        0.3,
	LevelLimitedInteraction: 0.6,
	LevelSandboxExecution:   0.8,
	LevelCompleteIsolation:  0.95,
	LevelHoneypot:           0.85,
}

// LevelProbe is the deterministic HealthProbe: effectiveness comes from the
// isolation level and anomaly from the target's score in Anomalies. An
// unknown target, or a nil source, reads as zero anomaly.
type LevelProbe struct {
	Anomalies AnomalySource
}

func (p LevelProbe) Effectiveness(_ context.Context, env Environment) (float64, error) {
	return levelEffectiveness[env.Level], nil
}

func (p LevelProbe) Anomaly(_ context.Context, env Environment) (float64, error) {
	if p.Anomalies == nil {
		return 0, nil
	}
	score, ok := p.Anomalies.AnomalyScore(node.ID(env.TargetAgent))
	if !ok {
		return 0, nil
	}
	return score, nil
}
