// Package ingest turns behavior records from external evidence sources into
// trust graph signals. It does no scoring of its own: confidence is taken
// as given.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// DefaultNetwork is the network a record without a network ID is routed to.
const DefaultNetwork = "primary"

// Record is one behavior observation from the evidence source.
type Record struct {
	NetworkID       string         `json:"network_id,omitempty" yaml:"network_id"`
	SourceNode      node.ID        `json:"source_node" yaml:"source_node"`
	TargetNode      node.ID        `json:"target_node" yaml:"target_node"`
	Confidence      float64        `json:"confidence" yaml:"confidence"`
	InteractionType string         `json:"interaction_type" yaml:"interaction_type"`
	Evidence        map[string]any `json:"evidence,omitempty" yaml:"evidence"`
	Timestamp       time.Time      `json:"timestamp,omitzero" yaml:"timestamp"`
}

// Network is a trust graph the adapter feeds.
type Network interface {
	ObserveBehavior(ctx context.Context, sig topology.Signal) (bool, error)
	AdaptTopology(ctx context.Context) topology.AdaptResult
}

// Rejected describes a record that was skipped.
type Rejected struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Result summarizes one ingestion batch.
type Result struct {
	Accepted int                             `json:"accepted"`
	Ignored  int                             `json:"ignored"`
	Rejected []Rejected                      `json:"rejected,omitempty"`
	Adapted  map[string]topology.AdaptResult `json:"adapted,omitempty"`
}

// Hooks receives ingestion callbacks. Every field is optional.
type Hooks struct {
	// OnRecord fires per record with "accepted", "ignored" or "rejected".
	OnRecord func(networkID, outcome string)
	OnBatch  func(records int, took time.Duration)
}

// Adapter routes records to registered networks.
type Adapter struct {
	logger log.Logger
	hooks  Hooks
	// adapt runs AdaptTopology on every network that accepted signals.
	adapt bool
	now   func() time.Time

	mu       sync.RWMutex
	networks map[string]Network
}

// New creates an adapter. With adapt set, each batch ends with one
// AdaptTopology per touched network.
func New(adapt bool, logger log.Logger, hooks Hooks) *Adapter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Adapter{
		logger:   logger,
		hooks:    hooks,
		adapt:    adapt,
		now:      time.Now,
		networks: make(map[string]Network),
	}
}

// Register adds a network under id.
func (a *Adapter) Register(id string, n Network) error {
	if strings.TrimSpace(id) == "" {
		return faults.Invalid("network_id", "must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.networks[id]; ok {
		return fmt.Errorf("network %s: %w", id, faults.ErrConflict)
	}
	a.networks[id] = n
	return nil
}

// Networks lists registered network IDs.
func (a *Adapter) Networks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.networks))
}

func (a *Adapter) network(id string) (Network, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.networks[id]
	return n, ok
}

// IngestSignals feeds records to their networks in order. Malformed records
// and unknown networks are logged and skipped; they never fail the batch.
// An empty batch is a validation error.
func (a *Adapter) IngestSignals(ctx context.Context, records []Record) (Result, error) {
	if len(records) == 0 {
		return Result{}, faults.Invalid("records", "batch is empty")
	}
	start := a.now()
	var res Result
	touched := make(map[string]struct{})

	for i, rec := range records {
		id := rec.NetworkID
		if id == "" {
			id = DefaultNetwork
		}
		outcome, err := a.ingest(ctx, id, rec)
		if a.hooks.OnRecord != nil {
			label := id
			if _, known := a.network(id); !known {
				label = "unknown"
			}
			a.hooks.OnRecord(label, outcome)
		}
		switch outcome {
		case "accepted":
			res.Accepted++
			touched[id] = struct{}{}
		case "ignored":
			res.Ignored++
		default:
			res.Rejected = append(res.Rejected, Rejected{Index: i, Reason: faults.ReasonOf(err), Error: err.Error()})
			a.logger.Warn(ctx, "behavior record rejected", "network_id", id, "index", i, "error", err.Error())
		}
	}

	if a.adapt && len(touched) > 0 {
		res.Adapted = make(map[string]topology.AdaptResult, len(touched))
		for _, id := range slices.Sorted(maps.Keys(touched)) {
			n, _ := a.network(id)
			res.Adapted[id] = n.AdaptTopology(ctx)
		}
	}

	if a.hooks.OnBatch != nil {
		a.hooks.OnBatch(len(records), a.now().Sub(start))
	}
	a.logger.Info(ctx, "behavior batch ingested",
		"records", len(records),
		"accepted", res.Accepted,
		"ignored", res.Ignored,
		"rejected", len(res.Rejected),
		"networks", len(touched),
	)
	return res, nil
}

func (a *Adapter) ingest(ctx context.Context, networkID string, rec Record) (string, error) {
	n, ok := a.network(networkID)
	if !ok {
		return "rejected", faults.Invalid("network_id", "unknown network %s", networkID)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	applied, err := n.ObserveBehavior(ctx, topology.Signal{
		Source:     rec.SourceNode,
		Target:     rec.TargetNode,
		Type:       rec.InteractionType,
		Confidence: rec.Confidence,
		Evidence:   rec.Evidence,
		Timestamp:  ts,
	})
	switch {
	case err != nil:
		return "rejected", err
	case !applied:
		return "ignored", nil
	}
	return "accepted", nil
}

// ParseRecords decodes a YAML or JSON list of records.
func ParseRecords(r io.Reader) ([]Record, error) {
	var recs []Record
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&recs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode behavior records: %w", err)
	}
	return recs, nil
}
