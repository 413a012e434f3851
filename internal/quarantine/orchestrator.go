package quarantine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/ring"
)

var tracer = otel.Tracer("github.com/linnemanlabs/palisade/internal/quarantine")

var errInitTimeout = errors.New("node initialization timed out")

type environment struct {
	mu sync.Mutex

	id          ID
	target      string
	proposalID  string
	evidence    Evidence
	level       Level
	state       State
	coordinator node.ID
	roles       map[node.ID]node.Role
	replicas    int
	alloc       Allocation
	policy      Policy
	health      Health
	anomalies   *ring.Buffer[float64]
	failed      []node.ID

	createdAt    time.Time
	lastCheck    time.Time
	healingSince time.Time

	cancel context.CancelFunc
}

func (e *environment) snapshot() Environment {
	ids := slices.Sorted(maps.Keys(e.roles))
	roles := make(map[node.Role][]node.ID)
	for _, id := range ids {
		roles[e.roles[id]] = append(roles[e.roles[id]], id)
	}
	if ids == nil {
		ids = []node.ID{}
	}
	return Environment{
		ID:              e.id,
		TargetAgent:     e.target,
		Level:           e.level,
		State:           e.state,
		Coordinator:     e.coordinator,
		Participants:    ids,
		Roles:           roles,
		Allocation:      e.alloc,
		Policy:          e.policy,
		Health:          e.health,
		Evidence:        Evidence{Confidence: e.evidence.Confidence, Evidence: slices.Clone(e.evidence.Evidence)},
		ProposalID:      e.proposalID,
		FailedNodes:     slices.Clone(e.failed),
		CreatedAt:       e.createdAt,
		LastHealthCheck: e.lastCheck,
		HealingSince:    e.healingSince,
	}
}

// Orchestrator creates, monitors, heals and tears down quarantine
// environments. Each environment has its own lock and its own monitor loop.
type Orchestrator struct {
	dir    Directory
	rt     Runtime
	probe  HealthProbe
	healer Healer
	cfg    Config
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	base  context.Context
	stop  context.CancelFunc
	loops sync.WaitGroup

	mu   sync.RWMutex
	envs map[ID]*environment

	created  atomic.Int64
	failures atomic.Int64
}

// NewOrchestrator wires an orchestrator. dir and rt are required; a nil
// probe or healer disables health measurement or trust feedback.
func NewOrchestrator(dir Directory, rt Runtime, probe HealthProbe, healer Healer, cfg Config, logger log.Logger, hooks Hooks) *Orchestrator {
	if dir == nil {
		panic(xerrors.New("node directory is required"))
	}
	if rt == nil {
		panic(xerrors.New("quarantine runtime is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if probe == nil {
		probe = LevelProbe{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		dir:    dir,
		rt:     rt,
		probe:  probe,
		healer: healer,
		cfg:    cfg.withDefaults(),
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		base:   base,
		stop:   stop,
		envs:   make(map[ID]*environment),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Create selects nodes for req, initializes them concurrently and registers
// the environment if enough of them succeed. On failure or cancellation no
// environment stays registered and every reservation is released.
func (o *Orchestrator) Create(ctx context.Context, req Request) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "quarantine.Create", trace.WithAttributes(
		attribute.String("palisade.target_agent", req.TargetAgent),
		attribute.String("palisade.isolation_level", req.Level.String()),
	))
	defer span.End()

	res, err := o.create(ctx, req)
	if err != nil {
		o.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn(ctx, "quarantine creation failed",
			"target_agent", req.TargetAgent,
			"isolation_level", req.Level.String(),
			"reason", faults.ReasonOf(err),
			"error", err.Error(),
		)
		if o.hooks.OnCreateFailed != nil {
			o.hooks.OnCreateFailed(req, faults.ReasonOf(err))
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("palisade.quarantine.id", string(res.ID)),
		attribute.Int("palisade.failed_nodes", len(res.FailedNodes)),
	)
	return res, nil
}

func (o *Orchestrator) create(ctx context.Context, req Request) (*CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	alloc := AllocationFor(req.Level, req.Evidence.Confidence)
	demand := alloc.Demand()
	p, err := selectNodes(o.dir.Nodes(), req.TargetAgent, req.Level, demand, cmp.Or(req.Replicas, o.cfg.ReplicationFactor))
	if err != nil {
		return nil, err
	}

	env := &environment{
		id:          ID(ulid.Make().String()),
		target:      req.TargetAgent,
		proposalID:  req.ProposalID,
		evidence:    Evidence{Confidence: req.Evidence.Confidence, Evidence: slices.Clone(req.Evidence.Evidence)},
		level:       req.Level,
		state:       StateInitializing,
		coordinator: p.coordinator,
		roles:       make(map[node.ID]node.Role, len(p.workers)+1),
		replicas:    len(p.workers),
		alloc:       alloc,
		policy:      PolicyFor(req.Level, req.Evidence.Confidence),
		anomalies:   ring.New[float64](o.cfg.HealingWindow),
		createdAt:   o.now(),
	}
	for _, a := range p.all() {
		env.roles[a.ID] = a.Role
	}
	if err := o.register(env); err != nil {
		return nil, err
	}

	L := o.logger.With("quarantine_id", env.id, "target_agent", env.target)
	snap := env.snapshot()
	members := p.all()
	failed := o.initNodes(ctx, snap, members, demand)
	required := initQuorum(len(members), o.cfg.ConsensusThreshold)
	pf := &faults.PartialFailure{
		Op:        "initialize quarantine",
		Succeeded: len(members) - len(failed),
		Required:  required,
		Failed:    make(map[string]error, len(failed)),
	}
	for id, err := range failed {
		pf.Failed[string(id)] = err
	}

	coordinator := p.coordinator
	var cause error
	switch {
	case ctx.Err() != nil:
		cause = fmt.Errorf("quarantine creation canceled: %w", context.Cause(ctx))
	case pf.Succeeded < required:
		cause = pf
	case failed[p.coordinator] != nil:
		next, ok := promoteCoordinator(o.dir, members, failed, req.Level)
		if !ok {
			cause = fmt.Errorf("coordinator %s did not initialize and no participant can coordinate: %w", p.coordinator, pf)
			break
		}
		coordinator = next
	}
	if cause != nil {
		var up []node.ID
		for _, a := range members {
			if _, bad := failed[a.ID]; !bad {
				up = append(up, a.ID)
			}
		}
		env.mu.Lock()
		env.state = StateFailed
		env.mu.Unlock()
		o.unregister(env.id)
		o.teardown(context.WithoutCancel(ctx), env.id, up, demand)
		return nil, cause
	}

	mctx, cancel := context.WithCancel(o.base)
	env.mu.Lock()
	for id := range failed {
		delete(env.roles, id)
		env.failed = append(env.failed, id)
	}
	slices.Sort(env.failed)
	if coordinator != env.coordinator {
		env.coordinator = coordinator
		env.roles[coordinator] = node.RoleCoordinator
	}
	env.state = StateActive
	env.cancel = cancel
	snap = env.snapshot()
	env.mu.Unlock()

	o.created.Add(1)
	o.loops.Add(1)
	go o.monitor(mctx, env)

	L.Info(ctx, "quarantine active",
		"isolation_level", snap.Level.String(),
		"coordinator", snap.Coordinator,
		"participants", len(snap.Participants),
		"failed_nodes", len(failed),
		"proposal_id", snap.ProposalID,
	)
	if len(failed) > 0 {
		L.Warn(ctx, "quarantine running with node failures", "error", pf.Error())
	}
	if coordinator != p.coordinator {
		L.Warn(ctx, "coordinator replaced after failed initialization",
			"failed_coordinator", p.coordinator, "coordinator", coordinator)
		o.reconfigure(ctx, snap)
	}
	if o.hooks.OnCreate != nil {
		o.hooks.OnCreate(snap, len(failed))
	}

	res := &CreateResult{ID: env.id}
	if len(failed) > 0 {
		res.FailedNodes = make(map[node.ID]string, len(failed))
		for id, err := range failed {
			res.FailedNodes[id] = err.Error()
		}
	}
	return res, nil
}

// register tracks env unless the target already has an environment.
func (o *Orchestrator) register(env *environment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, other := range o.envs {
		if other.target == env.target {
			return fmt.Errorf("agent %s is already quarantined by %s: %w", env.target, other.id, faults.ErrConflict)
		}
	}
	o.envs[env.id] = env
	return nil
}

func (o *Orchestrator) unregister(id ID) {
	o.mu.Lock()
	delete(o.envs, id)
	o.mu.Unlock()
}

// initNodes initializes every member concurrently under InitTimeout. Node
// failures are collected rather than cutting the batch short.
func (o *Orchestrator) initNodes(ctx context.Context, env Environment, members []assignment, demand map[node.Resource]float64) map[node.ID]error {
	ictx, cancel := context.WithTimeoutCause(ctx, o.cfg.InitTimeout, errInitTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed = make(map[node.ID]error)
	)
	var g errgroup.Group
	g.SetLimit(o.cfg.InitParallelism)
	for _, a := range members {
		g.Go(func() error {
			if err := o.initNode(ictx, env, a.ID, demand); err != nil {
				mu.Lock()
				failed[a.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// initNode reserves capacity on n and runs the runtime initialization. The
// reservation is dropped on failure. A runtime call that outlives ctx is
// cleaned up once it returns.
func (o *Orchestrator) initNode(ctx context.Context, env Environment, n node.ID, demand map[node.Resource]float64) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := o.dir.Acquire(n, string(env.ID), demand); err != nil {
		return err
	}
	err := call(ctx, func(c context.Context) error { return o.rt.Init(c, n, env) }, func(late error) {
		if late == nil {
			o.cleanupNode(context.Background(), env.ID, n)
		}
	})
	if err != nil {
		o.dir.Release(n, string(env.ID), demand)
		o.logger.Warn(ctx, "node initialization failed",
			"quarantine_id", env.ID, "node_id", n, "error", err.Error())
		return err
	}
	return nil
}

// call runs fn and returns when it does or when ctx ends, whichever is first.
// If ctx wins, late receives fn's result once it arrives.
func call(ctx context.Context, fn func(context.Context) error, late func(error)) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() { late(<-done) }()
		return context.Cause(ctx)
	}
}

func (o *Orchestrator) cleanupNode(ctx context.Context, id ID, n node.ID) error {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout)
	defer cancel()
	err := call(cctx, func(c context.Context) error { return o.rt.Cleanup(c, n, id) }, func(error) {})
	if err != nil {
		o.logger.Warn(ctx, "node cleanup failed", "quarantine_id", id, "node_id", n, "error", err.Error())
	}
	return err
}

// teardown cleans up nodes in parallel and always releases their
// reservations. Cleanup failures are logged and returned, never fatal.
func (o *Orchestrator) teardown(ctx context.Context, id ID, nodes []node.ID, demand map[node.Resource]float64) map[node.ID]error {
	var (
		mu     sync.Mutex
		failed = make(map[node.ID]error)
	)
	var g errgroup.Group
	g.SetLimit(o.cfg.InitParallelism)
	for _, n := range nodes {
		g.Go(func() error {
			err := o.cleanupNode(ctx, id, n)
			o.dir.Release(n, string(id), demand)
			if err != nil {
				mu.Lock()
				failed[n] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// reconfigure pushes the environment's current policy to every participant.
func (o *Orchestrator) reconfigure(ctx context.Context, env Environment) {
	var g errgroup.Group
	g.SetLimit(o.cfg.InitParallelism)
	for _, n := range env.Participants {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout)
			defer cancel()
			err := call(cctx, func(c context.Context) error { return o.rt.Reconfigure(c, n, env) }, func(error) {})
			if err != nil {
				o.logger.Warn(ctx, "node reconfiguration failed",
					"quarantine_id", env.ID, "node_id", n, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Terminate tears an environment down. Cleanup runs on every participant;
// failures are logged. The environment is untracked even if ctx ends early.
func (o *Orchestrator) Terminate(ctx context.Context, id ID) error {
	ctx, span := tracer.Start(ctx, "quarantine.Terminate", trace.WithAttributes(
		attribute.String("palisade.quarantine.id", string(id)),
	))
	defer span.End()

	if err := o.terminate(ctx, id, "requested"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) terminate(ctx context.Context, id ID, reason string) error {
	o.mu.RLock()
	env, ok := o.envs[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("quarantine %s: %w", id, faults.ErrNotFound)
	}

	env.mu.Lock()
	if !env.state.Live() {
		st := env.state
		env.mu.Unlock()
		return fmt.Errorf("quarantine %s is %s: %w", id, st, faults.ErrConflict)
	}
	env.state = StateTerminating
	cancel := env.cancel
	demand := env.alloc.Demand()
	snap := env.snapshot()
	env.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	failed := o.teardown(ctx, id, snap.Participants, demand)
	o.unregister(id)

	o.logger.Info(ctx, "quarantine terminated",
		"quarantine_id", id,
		"target_agent", snap.TargetAgent,
		"reason", reason,
		"cleanup_failures", len(failed),
	)
	if o.hooks.OnTerminate != nil {
		o.hooks.OnTerminate(snap, reason)
	}
	return nil
}

// Get returns a snapshot of a tracked environment.
func (o *Orchestrator) Get(id ID) (Environment, bool) {
	o.mu.RLock()
	env, ok := o.envs[id]
	o.mu.RUnlock()
	if !ok {
		return Environment{}, false
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.snapshot(), true
}

// List returns every tracked environment, oldest first.
func (o *Orchestrator) List() []Environment {
	out := make([]Environment, 0)
	for _, env := range o.tracked() {
		env.mu.Lock()
		out = append(out, env.snapshot())
		env.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Environment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (o *Orchestrator) tracked() []*environment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Collect(maps.Values(o.envs))
}

// Stats summarizes live environments. Utilization is measured now from the
// participants' load; effectiveness is the last probe reading.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		TotalQuarantines: o.created.Load(),
		FailedCreations:  o.failures.Load(),
		ByLevel:          make(map[Level]int),
	}
	var util, eff float64
	for _, env := range o.List() {
		if !env.State.Live() {
			continue
		}
		s.ActiveQuarantines++
		s.ByLevel[env.Level]++
		util += 1 - o.measure(env).Efficiency
		eff += env.Health.Effectiveness
	}
	if s.ActiveQuarantines > 0 {
		s.AvgUtilization = util / float64(s.ActiveQuarantines)
		s.AvgIsolationEffectiveness = eff / float64(s.ActiveQuarantines)
	}
	return s
}

// Close stops every monitor loop and waits for them. Environments stay
// tracked and their reservations held.
func (o *Orchestrator) Close() {
	o.stop()
	o.loops.Wait()
}
