package consensus

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Rand is the randomness an attack strategy draws from.
type Rand interface {
	Float64() float64
}

// Shaped is a vote after an attack strategy has rewritten it.
type Shaped struct {
	Approve bool
	Reason  string
	// Suppress drops the vote entirely.
	Suppress bool
}

// Strategy rewrites the votes of a compromised node.
type Strategy interface {
	Name() string
	Shape(rng Rand, approve bool, reason string) Shaped
}

// FailStop never submits a vote.
type FailStop struct{}

func (FailStop) Name() string { return "fail_stop" }
func (FailStop) Shape(_ Rand, approve bool, reason string) Shaped {
	return Shaped{Approve: approve, Reason: reason, Suppress: true}
}

// ArbitraryResponse votes uniformly at random.
type ArbitraryResponse struct{}

func (ArbitraryResponse) Name() string { return "arbitrary" }
func (ArbitraryResponse) Shape(rng Rand, _ bool, _ string) Shaped {
	return Shaped{Approve: rng.Float64() < 0.5, Reason: "arbitrary response"}
}

// CoordinatedBias always votes Approve, whatever the proposal says. Nodes
// sharing the same bias form a colluding bloc.
type CoordinatedBias struct {
	Approve bool
}

func (CoordinatedBias) Name() string { return "coordinated_bias" }
func (c CoordinatedBias) Shape(_ Rand, _ bool, _ string) Shaped {
	return Shaped{Approve: c.Approve, Reason: fmt.Sprintf("coordinated bias toward %t", c.Approve)}
}

// SemanticConfusion inverts the honest vote.
type SemanticConfusion struct{}

func (SemanticConfusion) Name() string { return "semantic" }
func (SemanticConfusion) Shape(_ Rand, approve bool, _ string) Shaped {
	return Shaped{Approve: !approve, Reason: "semantic confusion"}
}

// GradualDrift flips the honest vote with the given probability.
type GradualDrift struct {
	Probability float64
}

func (GradualDrift) Name() string { return "gradual_drift" }
func (g GradualDrift) Shape(rng Rand, approve bool, reason string) Shaped {
	p := g.Probability
	if p <= 0 {
		p = 0.1
	}
	if rng.Float64() < p {
		return Shaped{Approve: !approve, Reason: "gradual drift"}
	}
	return Shaped{Approve: approve, Reason: reason}
}

// SplitBrain draws an independent random vote on every call, modeling a node
// that answers each peer differently.
type SplitBrain struct{}

func (SplitBrain) Name() string { return "split_brain" }
func (SplitBrain) Shape(rng Rand, _ bool, _ string) Shaped {
	return Shaped{Approve: rng.Float64() < 0.5, Reason: "split brain"}
}

// ParseStrategy builds a strategy from its name. bias sets CoordinatedBias
// direction and drift sets GradualDrift probability.
func ParseStrategy(name string, bias bool, drift float64) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fail_stop":
		return FailStop{}, nil
	case "arbitrary":
		return ArbitraryResponse{}, nil
	case "coordinated_bias":
		return CoordinatedBias{Approve: bias}, nil
	case "semantic":
		return SemanticConfusion{}, nil
	case "gradual_drift":
		return GradualDrift{Probability: drift}, nil
	case "split_brain":
		return SplitBrain{}, nil
	}
	return nil, fmt.Errorf("unknown attack strategy %q", name)
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
