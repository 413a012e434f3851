package topology

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/ring"
	"github.com/linnemanlabs/palisade/internal/trust"
)

type edgeKey struct {
	src, dst node.ID
}

type nodeRecord struct {
	mu sync.Mutex

	id              node.ID
	state           node.State
	vector          trust.Vector
	roles           []node.Role
	capacity        map[node.Resource]float64
	baseLoad        map[node.Resource]float64
	allocLoad       map[node.Resource]float64
	active          map[string]struct{}
	maxQuarantines  int
	reliability     float64
	responseTime    float64
	specializations []string
	lastSeen        time.Time

	signals *ring.Buffer[Signal]
}

func (r *nodeRecord) info() node.Info {
	load := make(map[node.Resource]float64, len(r.capacity))
	for res := range r.capacity {
		load[res] = r.baseLoad[res] + r.allocLoad[res]
	}
	active := slices.Sorted(maps.Keys(r.active))
	if active == nil {
		active = []string{}
	}
	return node.Info{
		ID:                r.id,
		State:             r.state,
		Trust:             r.vector,
		Roles:             slices.Clone(r.roles),
		Capacity:          maps.Clone(r.capacity),
		Load:              load,
		ActiveQuarantines: active,
		MaxQuarantines:    r.maxQuarantines,
		Reliability:       r.reliability,
		ResponseTime:      r.responseTime,
		Specializations:   slices.Clone(r.specializations),
		LastSeen:          r.lastSeen,
	}
}

type edgeRecord struct {
	mu sync.Mutex
	e  Edge
}

// Graph is the trust graph. All methods are safe for concurrent use.
//
// Lock order is g.mu, then a node lock, then an edge lock. Node and edge
// records are never removed, so pointers taken under g.mu stay valid.
type Graph struct {
	cfg    Config
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[node.ID]*nodeRecord
	edges map[edgeKey]*edgeRecord

	// adaptMu serializes AdaptTopology and route recomputation.
	adaptMu     sync.Mutex
	routesMu    sync.RWMutex
	routes      map[node.ID]map[node.ID][]node.ID
	routesDirty atomic.Bool

	history     *ring.Buffer[Signal]
	adaptations atomic.Int64
}

// New creates an empty graph.
func New(cfg Config, logger log.Logger, hooks Hooks) *Graph {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &Graph{
		cfg:     cfg,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
		nodes:   make(map[node.ID]*nodeRecord),
		edges:   make(map[edgeKey]*edgeRecord),
		routes:  make(map[node.ID]map[node.ID][]node.ID),
		history: ring.New[Signal](cfg.SignalHistory),
	}
}

// Config returns the effective configuration.
func (g *Graph) Config() Config { return g.cfg }

// NodeOption customizes a node at registration.
type NodeOption func(*nodeRecord)

// WithRoles replaces the default roles.
func WithRoles(roles ...node.Role) NodeOption {
	return func(r *nodeRecord) { r.roles = slices.Clone(roles) }
}

// WithCapacity sets the capacity of one resource.
func WithCapacity(res node.Resource, amount float64) NodeOption {
	return func(r *nodeRecord) { r.capacity[res] = amount }
}

// WithBaseLoad sets load that exists independently of quarantine work.
func WithBaseLoad(res node.Resource, amount float64) NodeOption {
	return func(r *nodeRecord) { r.baseLoad[res] = amount }
}

// WithMaxQuarantines sets how many quarantines the node may host at once.
func WithMaxQuarantines(n int) NodeOption {
	return func(r *nodeRecord) { r.maxQuarantines = n }
}

// WithReliability sets the reliability multiplier used in coordinator selection.
func WithReliability(v float64) NodeOption {
	return func(r *nodeRecord) { r.reliability = trust.Clamp(v) }
}

// WithResponseTime sets the normalized response time, 0 fastest and 1 slowest.
func WithResponseTime(v float64) NodeOption {
	return func(r *nodeRecord) { r.responseTime = trust.Clamp(v) }
}

// WithSpecializations sets the threat specializations the node advertises.
func WithSpecializations(s ...string) NodeOption {
	return func(r *nodeRecord) { r.specializations = slices.Clone(s) }
}

// AddNode registers a node with full trust. Adding an existing node is an error.
func (g *Graph) AddNode(id node.ID, opts ...NodeOption) error {
	if id == "" {
		return faults.Invalid("node_id", "must not be empty")
	}
	rec := &nodeRecord{
		id:             id,
		state:          node.StateHealthy,
		vector:         trust.Full(),
		roles:          []node.Role{node.RoleMonitor, node.RoleExecutor, node.RoleAnalyst},
		capacity:       map[node.Resource]float64{node.ResourceCPU: 4, node.ResourceMemory: 8192},
		baseLoad:       make(map[node.Resource]float64),
		allocLoad:      make(map[node.Resource]float64),
		active:         make(map[string]struct{}),
		maxQuarantines: 3,
		reliability:    1,
		responseTime:   0.1,
		lastSeen:       g.now(),
		signals:        ring.New[Signal](g.cfg.NodeSignalBuffer),
	}
	for _, opt := range opts {
		opt(rec)
	}

	g.mu.Lock()
	if _, ok := g.nodes[id]; ok {
		g.mu.Unlock()
		return fmt.Errorf("node %s: %w", id, faults.ErrConflict)
	}
	g.nodes[id] = rec
	g.mu.Unlock()

	g.routesDirty.Store(true)
	return nil
}

// AddEdge adds or replaces the directed edge src->dst. Both nodes must exist.
// An edge touching an isolated node is stored at zero trust and one touching
// a quarantined node at most at the quarantine cap.
func (g *Graph) AddEdge(src, dst node.ID, trustLevel float64) error {
	if src == dst {
		return faults.Invalid("edge", "self-loop on %s", src)
	}

	// g.mu is held across the state reads so an isolation racing with this
	// call either is seen here or sweeps the new edge afterwards.
	g.mu.Lock()
	defer g.mu.Unlock()
	srcRec, ok := g.nodes[src]
	if !ok {
		return faults.Invalid("source", "unknown node %s", src)
	}
	dstRec, ok := g.nodes[dst]
	if !ok {
		return faults.Invalid("target", "unknown node %s", dst)
	}
	trustLevel = g.boundTrust(trust.Clamp(trustLevel), srcRec.currentState(), dstRec.currentState())

	k := edgeKey{src, dst}
	e := Edge{
		Source:      src,
		Target:      dst,
		TrustLevel:  trustLevel,
		RouteWeight: routeWeight(trustLevel),
		LastUpdated: g.now(),
	}
	if rec, ok := g.edges[k]; ok {
		rec.mu.Lock()
		rec.e = e
		rec.mu.Unlock()
	} else {
		g.edges[k] = &edgeRecord{e: e}
	}
	g.routesDirty.Store(true)
	return nil
}

// ConnectAll adds edges in both directions between every pair of nodes that
// are not yet connected.
func (g *Graph) ConnectAll(trustLevel float64) {
	ids := g.NodeIDs()
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			if _, ok := g.Edge(a, b); ok {
				continue
			}
			_ = g.AddEdge(a, b, trustLevel)
		}
	}
}

func (r *nodeRecord) currentState() node.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (g *Graph) record(id node.ID) (*nodeRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.nodes[id]
	return r, ok
}

func (g *Graph) records() []*nodeRecord {
	g.mu.RLock()
	out := make([]*nodeRecord, 0, len(g.nodes))
	for _, r := range g.nodes {
		out = append(out, r)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b *nodeRecord) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Node returns a snapshot of one node.
func (g *Graph) Node(id node.ID) (node.Info, bool) {
	r, ok := g.record(id)
	if !ok {
		return node.Info{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info(), true
}

// Nodes returns snapshots of every node ordered by ID.
func (g *Graph) Nodes() []node.Info {
	recs := g.records()
	out := make([]node.Info, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.info())
		r.mu.Unlock()
	}
	return out
}

// NodeIDs returns every node ID in sorted order.
func (g *Graph) NodeIDs() []node.ID {
	g.mu.RLock()
	ids := slices.Collect(maps.Keys(g.nodes))
	g.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// TrustOf returns the node's overall trust, or false for unknown nodes.
// Isolated nodes report zero.
func (g *Graph) TrustOf(id node.ID) (float64, bool) {
	r, ok := g.record(id)
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == node.StateIsolated {
		return 0, true
	}
	return r.vector.Overall, true
}

// ReportLoad records the load a node reports outside of quarantine work.
func (g *Graph) ReportLoad(id node.ID, load map[node.Resource]float64) error {
	r, ok := g.record(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for res, v := range load {
		if v < 0 {
			v = 0
		}
		r.baseLoad[res] = v
	}
	r.lastSeen = g.now()
	return nil
}

// Edge returns a copy of the edge src->dst.
func (g *Graph) Edge(src, dst node.ID) (Edge, bool) {
	g.mu.RLock()
	rec, ok := g.edges[edgeKey{src, dst}]
	g.mu.RUnlock()
	if !ok {
		return Edge{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.e, true
}

// Edges returns copies of every edge ordered by source then target.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	recs := slices.Collect(maps.Values(g.edges))
	g.mu.RUnlock()
	out := make([]Edge, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.e)
		rec.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if a.Source != b.Source {
			if a.Source < b.Source {
				return -1
			}
			return 1
		}
		switch {
		case a.Target < b.Target:
			return -1
		case a.Target > b.Target:
			return 1
		}
		return 0
	})
	return out
}

// incident returns every edge touching id.
func (g *Graph) incident(id node.ID) []*edgeRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*edgeRecord
	for k, rec := range g.edges {
		if k.src == id || k.dst == id {
			out = append(out, rec)
		}
	}
	return out
}

// Signals returns up to n of the most recent signals across the graph, oldest first.
func (g *Graph) Signals(n int) []Signal {
	return g.history.Last(n)
}

// GetNetworkHealth summarizes node states.
func (g *Graph) GetNetworkHealth() Health {
	h := Health{AdaptationEvents: g.adaptations.Load()}
	for _, r := range g.records() {
		r.mu.Lock()
		st := r.state
		r.mu.Unlock()
		h.TotalNodes++
		switch st {
		case node.StateHealthy:
			h.Healthy++
		case node.StateSuspicious:
			h.Suspicious++
		case node.StateQuarantined:
			h.Quarantined++
		case node.StateIsolated:
			h.Isolated++
		case node.StateRecovering:
			h.Recovering++
		}
	}
	if h.TotalNodes > 0 {
		h.Efficiency = float64(h.TotalNodes-h.Isolated) / float64(h.TotalNodes)
	}
	return h
}

func (g *Graph) transition(ctx context.Context, id node.ID, from, to node.State) {
	if from == to {
		return
	}
	g.logger.Info(ctx, "node state changed", "node_id", id, "from", from, "to", to)
	if g.hooks.OnTransition != nil {
		g.hooks.OnTransition(id, from, to)
	}
}
