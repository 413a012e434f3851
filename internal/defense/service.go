// Package defense wires the trust graph, consensus engine, quarantine
// orchestrator and ingestion adapter into one service. Adaptation escalates
// nodes to quarantine proposals; committed proposals create environments;
// healing feeds back into the graph.
package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/ledger"
	"github.com/linnemanlabs/palisade/internal/ledger/memstore"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// Config holds service behavior. Component configs are passed through.
type Config struct {
	Topology   topology.Config
	Consensus  consensus.Config
	Quarantine quarantine.Config

	// AutoPropose opens a quarantine proposal for every node adaptation
	// quarantines or isolates in the primary network.
	AutoPropose bool
	// AutoVote has every trusted peer vote on quarantine proposals from
	// its own view of the target's state.
	AutoVote bool
	// AdaptOnIngest runs adaptation at the end of each ingested batch.
	AdaptOnIngest bool

	// AdaptInterval schedules background adaptation. Zero disables it.
	AdaptInterval time.Duration
	// AuditInterval schedules consensus audits. Zero disables them.
	AuditInterval time.Duration
	// ProposalTTL expires proposals left open longer than this during audits.
	ProposalTTL time.Duration
	// EventBuffer sizes each internal event subscription.
	EventBuffer int
}

// Notifier delivers lifecycle events outside the process.
type Notifier interface {
	Run(ctx context.Context, sub *events.Subscription)
}

// Options carries the service's dependencies. Every field is optional.
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer
	Runtime    quarantine.Runtime
	Probe      quarantine.HealthProbe
	Ledger     ledger.Store
	Notifier   Notifier
	// Seed populates the primary network.
	Seed *topology.Seed
	// Networks adds secondary networks fed by ingestion only.
	Networks map[string]*topology.Seed
}

// quarantineAction is the proposal content that enacts a quarantine on commit.
type quarantineAction struct {
	Action      string              `json:"action"`
	TargetAgent string              `json:"target_agent"`
	Level       quarantine.Level    `json:"isolation_level"`
	Evidence    quarantine.Evidence `json:"evidence"`
}

const actionQuarantine = "quarantine"

// Service is the business boundary for the defense network.
type Service struct {
	cfg    Config
	logger log.Logger

	bus      *events.Bus
	graph    *topology.Graph
	networks map[string]*topology.Graph
	engine   *consensus.Engine
	orch     *quarantine.Orchestrator
	adapter  *ingest.Adapter
	ledger   ledger.Store
	notifier Notifier

	base context.Context
	stop context.CancelFunc
	// wg tracks background loops, enacting tracks commits being applied.
	wg       sync.WaitGroup
	enacting sync.WaitGroup

	mu      sync.Mutex
	pending map[node.ID]consensus.ProposalID
	started bool
}

// New builds every component and registers their metrics on opts.Registerer
// when set.
func New(cfg Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(logger),
		networks: make(map[string]*topology.Graph),
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		base:     base,
		stop:     stop,
		pending:  make(map[node.ID]consensus.ProposalID),
	}
	if s.ledger == nil {
		s.ledger = memstore.New()
	}

	var (
		topoHooks       topology.Hooks
		consensusHooks  consensus.Hooks
		quarantineHooks quarantine.Hooks
		ingestHooks     ingest.Hooks
	)
	if opts.Registerer != nil {
		topoHooks = topology.NewMetrics(opts.Registerer).Hooks()
		consensusHooks = consensus.NewMetrics(opts.Registerer).Hooks()
		quarantineHooks = quarantine.NewMetrics(opts.Registerer).Hooks()
		ingestHooks = ingest.NewMetrics(opts.Registerer).Hooks()
	}

	s.graph = topology.New(cfg.Topology, logger.With("network_id", ingest.DefaultNetwork),
		s.topologyHooks(ingest.DefaultNetwork, topoHooks, true))
	if opts.Seed != nil {
		if err := s.graph.LoadSeed(opts.Seed); err != nil {
			stop()
			return nil, fmt.Errorf("seed %s network: %w", ingest.DefaultNetwork, err)
		}
	}
	s.networks[ingest.DefaultNetwork] = s.graph

	for _, id := range slices.Sorted(maps.Keys(opts.Networks)) {
		if id == ingest.DefaultNetwork {
			stop()
			return nil, faults.Invalid("networks", "%s is the primary network", id)
		}
		g := topology.New(cfg.Topology, logger.With("network_id", id), s.topologyHooks(id, topology.Hooks{}, false))
		if seed := opts.Networks[id]; seed != nil {
			if err := g.LoadSeed(seed); err != nil {
				stop()
				return nil, fmt.Errorf("seed %s network: %w", id, err)
			}
		}
		s.networks[id] = g
	}

	s.engine = consensus.NewEngine(s.graph, cfg.Consensus, logger, s.consensusHooks(consensusHooks))

	rt := opts.Runtime
	if rt == nil {
		rt = quarantine.LogRuntime{Logger: logger}
	}
	probe := opts.Probe
	if probe == nil {
		probe = quarantine.LevelProbe{Anomalies: s.graph}
	}
	s.orch = quarantine.NewOrchestrator(s.graph, rt, probe, s.graph, cfg.Quarantine, logger, s.quarantineHooks(quarantineHooks))

	s.adapter = ingest.New(cfg.AdaptOnIngest, logger, ingestHooks)
	for id, g := range s.networks {
		if err := s.adapter.Register(id, g); err != nil {
			stop()
			return nil, err
		}
	}
	return s, nil
}

// Start launches the background loops: ledger recording, notifications,
// adaptation and consensus audits. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.base.Done():
		}
	}()

	rec := s.bus.Subscribe(s.cfg.EventBuffer)
	s.spawn(func() { ledger.Record(s.base, rec, s.ledger, s.logger) })
	if s.notifier != nil {
		sub := s.bus.Subscribe(s.cfg.EventBuffer)
		s.spawn(func() { s.notifier.Run(s.base, sub) })
	}
	if s.cfg.AdaptInterval > 0 {
		s.spawn(func() { s.runAdaptation(s.base, s.cfg.AdaptInterval) })
	}
	if s.cfg.AuditInterval > 0 {
		s.spawn(func() { s.engine.RunAudit(s.base, s.cfg.AuditInterval, s.cfg.ProposalTTL) })
	}
	s.logger.Info(ctx, "defense service started",
		"networks", len(s.networks),
		"auto_propose", s.cfg.AutoPropose,
		"auto_vote", s.cfg.AutoVote,
		"adapt_interval", s.cfg.AdaptInterval.String(),
		"audit_interval", s.cfg.AuditInterval.String(),
	)
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops background work, including quarantine monitors, and closes
// every event subscription.
func (s *Service) Close() {
	s.stop()
	s.enacting.Wait()
	s.orch.Close()
	s.bus.Close()
	s.wg.Wait()
}

// AdaptAll runs one adaptation pass over every network.
func (s *Service) AdaptAll(ctx context.Context) map[string]topology.AdaptResult {
	out := make(map[string]topology.AdaptResult, len(s.networks))
	for _, id := range slices.Sorted(maps.Keys(s.networks)) {
		out[id] = s.networks[id].AdaptTopology(ctx)
	}
	return out
}

func (s *Service) runAdaptation(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.AdaptAll(ctx)
		}
	}
}

// Graph returns the primary network.
func (s *Service) Graph() *topology.Graph { return s.graph }

// Network returns a network by ID.
func (s *Service) Network(id string) (*topology.Graph, bool) {
	g, ok := s.networks[id]
	return g, ok
}

// Engine returns the consensus engine.
func (s *Service) Engine() *consensus.Engine { return s.engine }

// Orchestrator returns the quarantine orchestrator.
func (s *Service) Orchestrator() *quarantine.Orchestrator { return s.orch }

// IngestSignals routes a batch of behavior records to their networks.
func (s *Service) IngestSignals(ctx context.Context, records []ingest.Record) (ingest.Result, error) {
	return s.adapter.IngestSignals(ctx, records)
}

// Adapter returns the ingestion adapter, for pollers.
func (s *Service) Adapter() *ingest.Adapter { return s.adapter }

// NetworkHealth summarizes a network. An empty ID means the primary network.
func (s *Service) NetworkHealth(networkID string) (topology.Health, error) {
	g, err := s.network(networkID)
	if err != nil {
		return topology.Health{}, err
	}
	return g.GetNetworkHealth(), nil
}

// Nodes returns snapshots of every node in a network.
func (s *Service) Nodes(networkID string) ([]node.Info, error) {
	g, err := s.network(networkID)
	if err != nil {
		return nil, err
	}
	return g.Nodes(), nil
}

// Route returns the most trusted path in a network.
func (s *Service) Route(ctx context.Context, networkID string, src, dst node.ID) ([]node.ID, error) {
	g, err := s.network(networkID)
	if err != nil {
		return nil, err
	}
	return g.GetRoute(ctx, src, dst)
}

func (s *Service) network(id string) (*topology.Graph, error) {
	if id == "" {
		id = ingest.DefaultNetwork
	}
	g, ok := s.networks[id]
	if !ok {
		return nil, fmt.Errorf("network %s: %w", id, faults.ErrNotFound)
	}
	return g, nil
}

// Propose opens a consensus round. Quarantine actions are validated first
// so a commit can always be enacted.
func (s *Service) Propose(ctx context.Context, proposer node.ID, content consensus.Payload) (consensus.ProposalID, error) {
	if act, ok, err := parseAction(content); err != nil {
		return "", err
	} else if ok {
		req := act.request("")
		if err := req.Validate(); err != nil {
			return "", err
		}
	}
	return s.engine.Propose(ctx, proposer, content)
}

// Vote records a vote on a proposal.
func (s *Service) Vote(ctx context.Context, voter node.ID, id consensus.ProposalID, approve bool, reason string) error {
	return s.engine.Vote(ctx, voter, id, approve, reason)
}

// Proposal returns a proposal snapshot.
func (s *Service) Proposal(id consensus.ProposalID) (consensus.Proposal, bool) {
	return s.engine.Get(id)
}

// Collusion returns voter pairs with suspiciously correlated votes.
func (s *Service) Collusion() []consensus.CollusionPair { return s.engine.DetectCollusion() }

// ConsensusStats summarizes recent consensus activity.
func (s *Service) ConsensusStats() consensus.Stats { return s.engine.Stats() }

// CreateQuarantine creates an isolation environment directly.
func (s *Service) CreateQuarantine(ctx context.Context, req quarantine.Request) (*quarantine.CreateResult, error) {
	return s.orch.Create(ctx, req)
}

// TerminateQuarantine tears an environment down.
func (s *Service) TerminateQuarantine(ctx context.Context, id quarantine.ID) error {
	return s.orch.Terminate(ctx, id)
}

// Quarantine returns an environment snapshot.
func (s *Service) Quarantine(id quarantine.ID) (quarantine.Environment, bool) { return s.orch.Get(id) }

// Quarantines lists tracked environments.
func (s *Service) Quarantines() []quarantine.Environment { return s.orch.List() }

// QuarantineStats summarizes quarantine activity.
func (s *Service) QuarantineStats() quarantine.Stats { return s.orch.Stats() }

// Ledger queries recorded lifecycle events.
func (s *Service) Ledger(ctx context.Context, q ledger.Query) ([]events.Event, error) {
	return s.ledger.List(ctx, q)
}

// Subscribe streams lifecycle events published from now on.
func (s *Service) Subscribe(buffer int) *events.Subscription { return s.bus.Subscribe(buffer) }

// parseAction decodes content as a quarantine action. ok is false for
// any other proposal; a malformed quarantine action is a validation error.
func parseAction(content consensus.Payload) (quarantineAction, bool, error) {
	var head struct {
		Action string          `json:"action"`
		Level  json.RawMessage `json:"isolation_level"`
	}
	if json.Unmarshal(content, &head) != nil || head.Action != actionQuarantine {
		return quarantineAction{}, false, nil
	}
	if len(head.Level) == 0 {
		return quarantineAction{}, true, faults.Invalid("isolation_level", "must be set")
	}
	var act quarantineAction
	if err := json.Unmarshal(content, &act); err != nil {
		return quarantineAction{}, true, faults.Invalid("content", "malformed quarantine action: %v", err)
	}
	return act, true, nil
}

func (a quarantineAction) request(proposalID consensus.ProposalID) quarantine.Request {
	return quarantine.Request{
		TargetAgent: a.TargetAgent,
		Level:       a.Level,
		Evidence:    a.Evidence,
		ProposalID:  string(proposalID),
	}
}
