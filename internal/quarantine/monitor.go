package quarantine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

func (o *Orchestrator) monitor(ctx context.Context, env *environment) {
	defer o.loops.Done()
	t := time.NewTicker(o.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.check(ctx, env)
		}
	}
}

// Check runs one monitoring pass on an environment outside its schedule and
// returns the resulting snapshot.
func (o *Orchestrator) Check(ctx context.Context, id ID) (Environment, error) {
	o.mu.RLock()
	env, ok := o.envs[id]
	o.mu.RUnlock()
	if !ok {
		return Environment{}, fmt.Errorf("quarantine %s: %w", id, faults.ErrNotFound)
	}
	o.check(ctx, env)
	if snap, ok := o.Get(id); ok {
		return snap, nil
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.snapshot(), nil
}

// check measures the environment, then takes at most one healing step and
// one scaling action.
func (o *Orchestrator) check(ctx context.Context, env *environment) {
	env.mu.Lock()
	if !env.state.Live() {
		env.mu.Unlock()
		return
	}
	if env.state == StateActive {
		env.state = StateMonitoring
	}
	snap := env.snapshot()
	env.mu.Unlock()

	L := o.logger.With("quarantine_id", snap.ID, "target_agent", snap.TargetAgent)

	eff, effErr := o.probeValue(ctx, snap, o.probe.Effectiveness)
	if effErr != nil {
		L.Warn(ctx, "isolation effectiveness probe failed", "error", effErr.Error())
	}
	anom, anomErr := o.probeValue(ctx, snap, o.probe.Anomaly)
	if anomErr != nil {
		L.Warn(ctx, "anomaly probe failed", "error", anomErr.Error())
	}
	health := o.measure(snap)

	now := o.now()
	env.mu.Lock()
	if !env.state.Live() {
		env.mu.Unlock()
		return
	}
	if effErr == nil {
		health.Effectiveness = eff
	} else {
		health.Effectiveness = env.health.Effectiveness
	}
	env.health = health
	env.lastCheck = now
	if anomErr == nil {
		env.anomalies.Push(anom)
	}

	from := env.level
	stepped := false
	if to, ok := env.level.Relaxed(); ok && o.healingDue(env) {
		env.level = to
		env.policy = PolicyFor(to, env.evidence.Confidence)
		env.state = StateHealing
		env.anomalies.Reset()
		if to == LevelObserveOnly {
			env.healingSince = now
		}
		stepped = true
	}
	complete := !stepped && env.state == StateHealing && env.level == LevelObserveOnly &&
		now.Sub(env.healingSince) >= o.cfg.HealingDuration
	if env.state == StateMonitoring {
		env.state = StateActive
	}
	snap = env.snapshot()
	env.mu.Unlock()

	if o.hooks.OnCheck != nil {
		o.hooks.OnCheck(snap)
	}

	switch {
	case stepped:
		o.heal(ctx, snap, from)
	case complete:
		o.complete(context.WithoutCancel(ctx), snap)
		return
	}
	o.scale(ctx, env, snap)
}

// healingDue reports whether the last HealingWindow anomaly readings average
// below the healing threshold. env.mu must be held.
func (o *Orchestrator) healingDue(env *environment) bool {
	window := env.anomalies.Last(o.cfg.HealingWindow)
	if len(window) < o.cfg.HealingWindow {
		return false
	}
	var sum float64
	for _, a := range window {
		sum += a
	}
	return sum/float64(len(window)) < o.cfg.HealingAnomalyThreshold
}

func (o *Orchestrator) probeValue(ctx context.Context, env Environment, fn func(context.Context, Environment) (float64, error)) (float64, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	var v float64
	err := call(pctx, func(c context.Context) error {
		var err error
		v, err = fn(c, env)
		return err
	}, func(error) {})
	if err != nil {
		return 0, err
	}
	return clamp01(v), nil
}

// measure derives efficiency and coverage from the participants' current load.
func (o *Orchestrator) measure(env Environment) Health {
	var h Health
	if len(env.Participants) == 0 {
		return h
	}
	var free float64
	var seen int
	for _, id := range env.Participants {
		info, ok := o.dir.Node(id)
		if !ok {
			continue
		}
		free += 1 - clamp01(info.AvgLoad())
		seen++
	}
	if seen > 0 {
		h.Efficiency = free / float64(seen)
	}
	h.Coverage = float64(len(env.Roles[node.RoleMonitor])) / float64(len(env.Participants))
	return h
}

// heal applies one healing step: participants get the relaxed policy and the
// target's trust record moves toward recovery.
func (o *Orchestrator) heal(ctx context.Context, env Environment, from Level) {
	ctx, span := tracer.Start(ctx, "quarantine.Heal", trace.WithAttributes(
		attribute.String("palisade.quarantine.id", string(env.ID)),
		attribute.String("palisade.isolation_level.from", from.String()),
		attribute.String("palisade.isolation_level.to", env.Level.String()),
	))
	defer span.End()

	o.reconfigure(ctx, env)
	if o.healer != nil {
		if err := o.healer.ApplyHealing(ctx, node.ID(env.TargetAgent)); err != nil {
			o.logHealerError(ctx, env, "apply healing", err)
		}
	}
	o.logger.Info(ctx, "quarantine healing step",
		"quarantine_id", env.ID,
		"target_agent", env.TargetAgent,
		"from", from.String(),
		"to", env.Level.String(),
	)
	if o.hooks.OnHeal != nil {
		o.hooks.OnHeal(env, from, env.Level)
	}
}

// complete ends a fully healed environment and restores the target.
func (o *Orchestrator) complete(ctx context.Context, env Environment) {
	if err := o.terminate(ctx, env.ID, "healed"); err != nil {
		o.logger.Warn(ctx, "healed quarantine already ending", "quarantine_id", env.ID, "error", err.Error())
		return
	}
	if o.healer != nil {
		if err := o.healer.MarkRecovered(ctx, node.ID(env.TargetAgent)); err != nil {
			o.logHealerError(ctx, env, "mark recovered", err)
		}
	}
}

func (o *Orchestrator) logHealerError(ctx context.Context, env Environment, op string, err error) {
	if errors.Is(err, faults.ErrNotFound) {
		o.logger.Info(ctx, "target is not a tracked node, trust feedback skipped",
			"quarantine_id", env.ID, "target_agent", env.TargetAgent, "op", op)
		return
	}
	o.logger.Warn(ctx, "trust feedback failed",
		"quarantine_id", env.ID, "target_agent", env.TargetAgent, "op", op, "error", err.Error())
}

// scale adds a monitor when most participants are overloaded, or removes the
// least loaded worker when the environment is over-provisioned.
func (o *Orchestrator) scale(ctx context.Context, env *environment, snap Environment) {
	infos := make(map[node.ID]node.Info, len(snap.Participants))
	overloaded := 0
	for _, id := range snap.Participants {
		info, ok := o.dir.Node(id)
		if !ok {
			continue
		}
		infos[id] = info
		if info.AvgLoad() > o.cfg.LoadThreshold {
			overloaded++
		}
	}

	if overloaded*2 > len(snap.Participants) {
		o.scaleUp(ctx, env, snap)
		return
	}

	env.mu.Lock()
	replicas := env.replicas
	env.mu.Unlock()
	workers := len(snap.Participants) - 1
	if snap.Health.Efficiency < o.cfg.LowEfficiency &&
		snap.Health.Effectiveness > o.cfg.HighEffectiveness &&
		workers > replicas {
		o.scaleDown(ctx, env, snap, infos)
	}
}

func (o *Orchestrator) scaleUp(ctx context.Context, env *environment, snap Environment) {
	skip := make(map[node.ID]struct{}, len(snap.Participants)+len(snap.FailedNodes))
	for _, id := range snap.Participants {
		skip[id] = struct{}{}
	}
	for _, id := range snap.FailedNodes {
		skip[id] = struct{}{}
	}
	demand := snap.Allocation.Demand()
	n, ok := selectExtra(o.dir.Nodes(), snap.TargetAgent, demand, skip)
	if !ok {
		o.logger.Warn(ctx, "scale up skipped, no available node", "quarantine_id", snap.ID)
		return
	}

	ictx, cancel := context.WithTimeoutCause(ctx, o.cfg.InitTimeout, errInitTimeout)
	err := o.initNode(ictx, snap, n, demand)
	cancel()
	if err != nil {
		o.logger.Warn(ctx, "scale up failed", "quarantine_id", snap.ID, "node_id", n, "error", err.Error())
		return
	}

	env.mu.Lock()
	if !env.state.Live() {
		env.mu.Unlock()
		o.teardown(context.WithoutCancel(ctx), snap.ID, []node.ID{n}, demand)
		return
	}
	env.roles[n] = node.RoleMonitor
	snap = env.snapshot()
	env.mu.Unlock()

	o.logger.Info(ctx, "quarantine scaled up", "quarantine_id", snap.ID, "node_id", n, "participants", len(snap.Participants))
	if o.hooks.OnScale != nil {
		o.hooks.OnScale(snap, "up", n)
	}
}

func (o *Orchestrator) scaleDown(ctx context.Context, env *environment, snap Environment, infos map[node.ID]node.Info) {
	required := requiredRoles(snap.Level)
	var victim node.ID
	best := 2.0
	for _, id := range snap.Participants {
		if id == snap.Coordinator {
			continue
		}
		role, _ := snap.RoleOf(id)
		if slices.Contains(required, role) && len(snap.Roles[role]) < 2 {
			continue
		}
		info, ok := infos[id]
		if !ok {
			continue
		}
		load := info.AvgLoad()
		if load < best || (load == best && cmp.Less(id, victim)) {
			victim, best = id, load
		}
	}
	if victim == "" {
		o.logger.Info(ctx, "scale down skipped, every worker holds a required role", "quarantine_id", snap.ID)
		return
	}

	env.mu.Lock()
	if !env.state.Live() {
		env.mu.Unlock()
		return
	}
	delete(env.roles, victim)
	snap = env.snapshot()
	env.mu.Unlock()

	o.teardown(ctx, snap.ID, []node.ID{victim}, snap.Allocation.Demand())
	o.logger.Info(ctx, "quarantine scaled down", "quarantine_id", snap.ID, "node_id", victim, "participants", len(snap.Participants))
	if o.hooks.OnScale != nil {
		o.hooks.OnScale(snap, "down", victim)
	}
}
