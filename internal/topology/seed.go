package topology

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

// Seed describes an initial topology.
type Seed struct {
	Nodes []SeedNode `yaml:"nodes"`
	Edges []SeedEdge `yaml:"edges"`
	// FullMesh connects every pair of nodes not covered by Edges.
	FullMesh *SeedMesh `yaml:"full_mesh,omitempty"`
}

// SeedNode is one node entry in a seed file.
type SeedNode struct {
	ID              string             `yaml:"id"`
	Roles           []string           `yaml:"roles"`
	Capacity        map[string]float64 `yaml:"capacity"`
	BaseLoad        map[string]float64 `yaml:"base_load"`
	MaxQuarantines  int                `yaml:"max_quarantines"`
	Reliability     *float64           `yaml:"reliability"`
	ResponseTime    *float64           `yaml:"response_time"`
	Specializations []string           `yaml:"specializations"`
}

// SeedEdge is one directed edge in a seed file.
type SeedEdge struct {
	From  string  `yaml:"from"`
	To    string  `yaml:"to"`
	Trust float64 `yaml:"trust"`
	// Bidirectional adds the reverse edge with the same trust.
	Bidirectional bool `yaml:"bidirectional"`
}

// SeedMesh configures the optional full mesh.
type SeedMesh struct {
	Trust float64 `yaml:"trust"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(r io.Reader) (*Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return &s, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &s, nil
}

// ReadSeedFile reads and parses a seed file.
func ReadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close() //nolint:errcheck

	s, err := ParseSeed(f)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return s, nil
}

// LoadSeed adds the seed's nodes and edges to g. Every problem is reported.
func (g *Graph) LoadSeed(s *Seed) error {
	var errs []error
	for i, n := range s.Nodes {
		opts, err := n.options()
		if err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
			continue
		}
		if err := g.AddNode(node.ID(n.ID), opts...); err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
		}
	}
	for i, e := range s.Edges {
		if err := g.AddEdge(node.ID(e.From), node.ID(e.To), e.Trust); err != nil {
			errs = append(errs, fmt.Errorf("edges[%d]: %w", i, err))
			continue
		}
		if e.Bidirectional {
			if err := g.AddEdge(node.ID(e.To), node.ID(e.From), e.Trust); err != nil {
				errs = append(errs, fmt.Errorf("edges[%d] reverse: %w", i, err))
			}
		}
	}
	if s.FullMesh != nil {
		g.ConnectAll(s.FullMesh.Trust)
	}
	return errors.Join(errs...)
}

func (n SeedNode) options() ([]NodeOption, error) {
	if n.ID == "" {
		return nil, faults.Invalid("id", "must not be empty")
	}
	var opts []NodeOption
	if len(n.Roles) > 0 {
		roles := make([]node.Role, 0, len(n.Roles))
		for _, name := range n.Roles {
			r, err := node.ParseRole(name)
			if err != nil {
				return nil, faults.Invalid("roles", "%v", err)
			}
			roles = append(roles, r)
		}
		opts = append(opts, WithRoles(roles...))
	}
	for res, amount := range n.Capacity {
		if amount < 0 {
			return nil, faults.Invalid("capacity", "%s must not be negative", res)
		}
		opts = append(opts, WithCapacity(node.Resource(res), amount))
	}
	for res, amount := range n.BaseLoad {
		if amount < 0 {
			return nil, faults.Invalid("base_load", "%s must not be negative", res)
		}
		opts = append(opts, WithBaseLoad(node.Resource(res), amount))
	}
	if n.MaxQuarantines < 0 {
		return nil, faults.Invalid("max_quarantines", "must not be negative")
	}
	if n.MaxQuarantines > 0 {
		opts = append(opts, WithMaxQuarantines(n.MaxQuarantines))
	}
	if n.Reliability != nil {
		opts = append(opts, WithReliability(*n.Reliability))
	}
	if n.ResponseTime != nil {
		opts = append(opts, WithResponseTime(*n.ResponseTime))
	}
	if len(n.Specializations) > 0 {
		opts = append(opts, WithSpecializations(n.Specializations...))
	}
	return opts, nil
}
