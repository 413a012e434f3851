// Package trust models the multi-dimensional reputation a node holds in the
// defense network and how behavioral evidence moves it.
package trust

import "math"

// Component weights for the overall score.
const (
	WeightAccuracy    = 0.4
	WeightResponse    = 0.2
	WeightConsistency = 0.3
	WeightSemantic    = 0.1
)

// DefaultAlpha is the learning rate applied when new evidence arrives.
const DefaultAlpha = 0.2

// Vector is a per-node trust assessment. Every field lies in [0,1].
type Vector struct {
	Accuracy    float64 `json:"accuracy"`
	Response    float64 `json:"response"`
	Consistency float64 `json:"consistency"`
	Semantic    float64 `json:"semantic"`
	Overall     float64 `json:"overall"`
}

// New builds a vector from its four components, clamping each into [0,1]
// and deriving Overall.
func New(accuracy, response, consistency, semantic float64) Vector {
	v := Vector{
		Accuracy:    clamp(accuracy),
		Response:    clamp(response),
		Consistency: clamp(consistency),
		Semantic:    clamp(semantic),
	}
	v.Overall = clamp(WeightAccuracy*v.Accuracy +
		WeightResponse*v.Response +
		WeightConsistency*v.Consistency +
		WeightSemantic*v.Semantic)
	return v
}

// Full is the vector a newly admitted node starts with.
func Full() Vector { return New(1, 1, 1, 1) }

// Zero is the vector of an isolated node.
func Zero() Vector { return New(0, 0, 0, 0) }

// Uniform returns a vector with every component set to x.
func Uniform(x float64) Vector { return New(x, x, x, x) }

// Blend moves v toward obs with an exponential moving average. alpha outside
// (0,1] falls back to DefaultAlpha.
func (v Vector) Blend(obs Vector, alpha float64) Vector {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultAlpha
	}
	ema := func(cur, next float64) float64 {
		return (1-alpha)*clamp(cur) + alpha*clamp(next)
	}
	return New(
		ema(v.Accuracy, obs.Accuracy),
		ema(v.Response, obs.Response),
		ema(v.Consistency, obs.Consistency),
		ema(v.Semantic, obs.Semantic),
	)
}

// Cap limits every component to at most c.
func (v Vector) Cap(c float64) Vector {
	return New(
		math.Min(v.Accuracy, c),
		math.Min(v.Response, c),
		math.Min(v.Consistency, c),
		math.Min(v.Semantic, c),
	)
}

// Reliability is the product of trust and a node's historical reliability, the
// ranking key for quarantine participant selection.
func (v Vector) Reliability(reliability float64) float64 {
	return v.Overall * clamp(reliability)
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Clamp exposes the [0,1] clamp used for every score in the network.
func Clamp(x float64) float64 { return clamp(x) }
