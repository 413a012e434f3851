package topology

import (
	"container/heap"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// GetRoute returns the lowest-cost path from src to dst over non-isolated
// nodes, including both endpoints. Routing tables are refreshed by
// AdaptTopology and lazily after structural changes.
func (g *Graph) GetRoute(ctx context.Context, src, dst node.ID) ([]node.ID, error) {
	if _, ok := g.record(src); !ok {
		return nil, faults.Invalid("src", "unknown node %s", src)
	}
	if _, ok := g.record(dst); !ok {
		return nil, faults.Invalid("dst", "unknown node %s", dst)
	}

	if g.routesDirty.Load() {
		g.adaptMu.Lock()
		if g.routesDirty.Load() {
			n := g.refreshRoutesLocked()
			g.logger.Info(ctx, "routing tables rebuilt", "routes_updated", n)
		}
		g.adaptMu.Unlock()
	}

	g.routesMu.RLock()
	defer g.routesMu.RUnlock()
	path, ok := g.routes[src][dst]
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", src, dst, ErrNoRoute)
	}
	return slices.Clone(path), nil
}

// Routes returns a copy of the routing table for src.
func (g *Graph) Routes(src node.ID) map[node.ID][]node.ID {
	g.routesMu.RLock()
	defer g.routesMu.RUnlock()
	out := make(map[node.ID][]node.ID, len(g.routes[src]))
	for dst, p := range g.routes[src] {
		out[dst] = slices.Clone(p)
	}
	return out
}

type arc struct {
	to     node.ID
	weight float64
	trust  float64
}

// snapshot copies the routable subgraph. Isolated nodes and +Inf edges are dropped.
func (g *Graph) snapshot() (map[node.ID][]arc, []node.ID) {
	excluded := g.nodesIn(node.StateIsolated)

	g.mu.RLock()
	ids := make([]node.ID, 0, len(g.nodes))
	for id := range g.nodes {
		if _, skip := excluded[id]; !skip {
			ids = append(ids, id)
		}
	}
	type pending struct {
		src node.ID
		rec *edgeRecord
	}
	var recs []pending
	for k, rec := range g.edges {
		_, a := excluded[k.src]
		_, b := excluded[k.dst]
		if !a && !b {
			recs = append(recs, pending{k.src, rec})
		}
	}
	g.mu.RUnlock()

	adj := make(map[node.ID][]arc, len(ids))
	for _, p := range recs {
		p.rec.mu.Lock()
		e := p.rec.e
		p.rec.mu.Unlock()
		if !e.Routable() {
			continue
		}
		adj[p.src] = append(adj[p.src], arc{to: e.Target, weight: e.RouteWeight, trust: e.TrustLevel})
	}
	for src := range adj {
		slices.SortFunc(adj[src], func(a, b arc) int {
			switch {
			case a.to < b.to:
				return -1
			case a.to > b.to:
				return 1
			}
			return 0
		})
	}
	slices.Sort(ids)
	return adj, ids
}

// refreshRoutesLocked recomputes every routing table and returns how many
// (source, destination) entries changed. Callers hold adaptMu.
func (g *Graph) refreshRoutesLocked() int {
	g.routesDirty.Store(false)
	adj, ids := g.snapshot()

	next := make(map[node.ID]map[node.ID][]node.ID, len(ids))
	for _, src := range ids {
		next[src] = shortestPaths(adj, src)
	}

	g.routesMu.Lock()
	defer g.routesMu.Unlock()
	changed := 0
	for src, table := range next {
		old := g.routes[src]
		for dst, p := range table {
			if !slices.Equal(old[dst], p) {
				changed++
			}
		}
		for dst := range old {
			if _, ok := table[dst]; !ok {
				changed++
			}
		}
	}
	for src, old := range g.routes {
		if _, ok := next[src]; !ok {
			changed += len(old)
		}
	}
	g.routes = next
	return changed
}

// shortestPaths runs Dijkstra from src. Ties on cost prefer the path whose
// weakest edge is more trusted.
func shortestPaths(adj map[node.ID][]arc, src node.ID) map[node.ID][]node.ID {
	dist := map[node.ID]float64{src: 0}
	bottleneck := map[node.ID]float64{src: math.Inf(1)}
	prev := map[node.ID]node.ID{}
	done := map[node.ID]bool{}

	pq := &frontier{{id: src, cost: 0, bottleneck: math.Inf(1)}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(item)
		if done[cur.id] {
			continue
		}
		done[cur.id] = true
		for _, a := range adj[cur.id] {
			if done[a.to] {
				continue
			}
			cost := cur.cost + a.weight
			bn := min(cur.bottleneck, a.trust)
			d, seen := dist[a.to]
			if !seen || cost < d-epsilon || (math.Abs(cost-d) <= epsilon && bn > bottleneck[a.to]) {
				dist[a.to] = cost
				bottleneck[a.to] = bn
				prev[a.to] = cur.id
				heap.Push(pq, item{id: a.to, cost: cost, bottleneck: bn})
			}
		}
	}

	table := make(map[node.ID][]node.ID, len(done))
	for _, dst := range slices.Sorted(maps.Keys(done)) {
		var path []node.ID
		for at := dst; ; at = prev[at] {
			path = append(path, at)
			if at == src {
				break
			}
		}
		slices.Reverse(path)
		table[dst] = path
	}
	return table
}

const epsilon = 1e-9

type item struct {
	id         node.ID
	cost       float64
	bottleneck float64
}

type frontier []item

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if math.Abs(f[i].cost-f[j].cost) > epsilon {
		return f[i].cost < f[j].cost
	}
	if f[i].bottleneck != f[j].bottleneck {
		return f[i].bottleneck > f[j].bottleneck
	}
	return f[i].id < f[j].id
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(item)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}
