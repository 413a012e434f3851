package topology

import (
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// ErrNoRoute is returned by GetRoute when the destination is unreachable.
var ErrNoRoute = fmt.Errorf("no route: %w", faults.ErrNotFound)

// Signal is one behavioral observation of target made by source.
type Signal struct {
	Source     node.ID        `json:"source_node"`
	Target     node.ID        `json:"target_node"`
	Type       string         `json:"signal_type"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Edge is a directed trust relationship. RouteWeight is 1/TrustLevel and
// +Inf when TrustLevel is zero.
type Edge struct {
	Source      node.ID   `json:"source"`
	Target      node.ID   `json:"target"`
	TrustLevel  float64   `json:"trust_level"`
	RouteWeight float64   `json:"route_weight"`
	LastUpdated time.Time `json:"last_updated"`
}

func routeWeight(trustLevel float64) float64 {
	if trustLevel <= 0 {
		return math.Inf(1)
	}
	return 1 / trustLevel
}

// Routable reports whether the edge can carry traffic.
func (e Edge) Routable() bool { return !math.IsInf(e.RouteWeight, 1) }

// AdaptResult summarizes one AdaptTopology run. Isolated and Quarantined list
// only nodes that transitioned during this run.
type AdaptResult struct {
	Isolated      []node.ID `json:"isolated"`
	Quarantined   []node.ID `json:"quarantined"`
	Suspicious    []node.ID `json:"suspicious,omitempty"`
	Cleared       []node.ID `json:"cleared,omitempty"`
	RoutesUpdated int       `json:"routes_updated"`
}

// Changed reports whether the run altered anything.
func (r AdaptResult) Changed() bool {
	return len(r.Isolated) > 0 || len(r.Quarantined) > 0 || len(r.Suspicious) > 0 ||
		len(r.Cleared) > 0 || r.RoutesUpdated > 0
}

// Health is the network-level view returned by GetNetworkHealth.
type Health struct {
	TotalNodes       int     `json:"total_nodes"`
	Healthy          int     `json:"healthy"`
	Suspicious       int     `json:"suspicious"`
	Quarantined      int     `json:"quarantined"`
	Isolated         int     `json:"isolated"`
	Recovering       int     `json:"recovering"`
	Efficiency       float64 `json:"efficiency"`
	AdaptationEvents int64   `json:"adaptation_events"`
}

// Config holds the thresholds driving adaptation.
type Config struct {
	// AdaptationThreshold is the anomaly score at which a node is quarantined.
	AdaptationThreshold float64
	// IsolationThreshold is the anomaly score at which a node is isolated.
	IsolationThreshold float64
	// SuspicionThreshold is the anomaly score at which a healthy node is marked suspicious.
	SuspicionThreshold float64
	// AnomalyWindow is how many recent signals the anomaly score averages.
	AnomalyWindow int
	// NodeSignalBuffer bounds the per-node signal history.
	NodeSignalBuffer int
	// SignalHistory bounds the graph-wide signal history.
	SignalHistory int
	// EdgeDecay weighs the existing edge trust against new evidence.
	EdgeDecay float64
	// QuarantineTrustCap caps edge and node trust for quarantined nodes.
	QuarantineTrustCap float64
	// RecoveryTrust is the trust a healed node is restored to.
	RecoveryTrust float64
	// TrustAlpha is the learning rate for node trust vectors.
	TrustAlpha float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		AdaptationThreshold: 0.6,
		IsolationThreshold:  0.8,
		SuspicionThreshold:  0.4,
		AnomalyWindow:       20,
		NodeSignalBuffer:    100,
		SignalHistory:       10000,
		EdgeDecay:           0.9,
		QuarantineTrustCap:  0.3,
		RecoveryTrust:       0.6,
		TrustAlpha:          0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AdaptationThreshold <= 0 {
		c.AdaptationThreshold = d.AdaptationThreshold
	}
	if c.IsolationThreshold <= 0 {
		c.IsolationThreshold = d.IsolationThreshold
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = d.SuspicionThreshold
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.NodeSignalBuffer < c.AnomalyWindow {
		c.NodeSignalBuffer = max(d.NodeSignalBuffer, c.AnomalyWindow)
	}
	if c.SignalHistory <= 0 {
		c.SignalHistory = d.SignalHistory
	}
	if c.EdgeDecay <= 0 || c.EdgeDecay >= 1 {
		c.EdgeDecay = d.EdgeDecay
	}
	if c.QuarantineTrustCap <= 0 {
		c.QuarantineTrustCap = d.QuarantineTrustCap
	}
	if c.RecoveryTrust <= 0 {
		c.RecoveryTrust = d.RecoveryTrust
	}
	if c.TrustAlpha <= 0 || c.TrustAlpha > 1 {
		c.TrustAlpha = d.TrustAlpha
	}
	return c
}

// Hooks are optional callbacks used for instrumentation.
type Hooks struct {
	OnSignal     func(applied bool)
	OnTransition func(id node.ID, from, to node.State)
	OnAdapt      func(result AdaptResult, health Health)
}
