package moe

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-precision/internal/precision"
	"gonum.org/v1/gonum/floats"
)

// Expert is a routable expert with its gating weight vector.
type Expert struct {
	ID      precision.ExpertID
	Weights []float64
}

// Route is one gating result.
type Route struct {
	Expert      precision.ExpertID
	Probability float64
}

// SoftmaxGate scores experts by the dot product of the input features and
// each expert's weights, normalizes with softmax and keeps the top k.
type SoftmaxGate struct {
	experts []Expert
	topK    int
}

func NewSoftmaxGate(experts []Expert, topK int) (*SoftmaxGate, error) {
	if len(experts) == 0 {
		return nil, fmt.Errorf("invalid experts: empty")
	}
	if topK <= 0 || topK > len(experts) {
		return nil, fmt.Errorf("invalid top_k: %d (must be in [1,%d])", topK, len(experts))
	}
	dim := len(experts[0].Weights)
	for _, e := range experts {
		if len(e.Weights) != dim {
			return nil, fmt.Errorf("expert %s: weight dim %d != %d", e.ID, len(e.Weights), dim)
		}
	}
	return &SoftmaxGate{experts: experts, topK: topK}, nil
}

// Dim is the feature dimension the gate expects.
func (g *SoftmaxGate) Dim() int {
	return len(g.experts[0].Weights)
}

// Route returns the top-k experts by probability, highest first. Equal
// probabilities keep expert order.
func (g *SoftmaxGate) Route(features []float64) ([]Route, error) {
	if len(features) != g.Dim() {
		return nil, fmt.Errorf("feature dim %d != gate dim %d", len(features), g.Dim())
	}
	scores := make([]float64, len(g.experts))
	for i, e := range g.experts {
		scores[i] = floats.Dot(features, e.Weights)
	}
	maxScore := floats.Max(scores)
	var sum float64
	for i, s := range scores {
		scores[i] = math.Exp(s - maxScore)
		sum += scores[i]
	}

	routes := make([]Route, len(g.experts))
	for i, e := range g.experts {
		routes[i] = Route{Expert: e.ID, Probability: scores[i] / sum}
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Probability > routes[j].Probability
	})
	return routes[:g.topK], nil
}

// GatedRoster adapts a gate to the Roster interface: each call routes the
// current features and returns the selected experts.
type GatedRoster struct {
	Gate     *SoftmaxGate
	Features func() []float64
}

func (r *GatedRoster) Experts(ctx context.Context) ([]precision.ExpertID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	routes, err := r.Gate.Route(r.Features())
	if err != nil {
		return nil, err
	}
	out := make([]precision.ExpertID, len(routes))
	for i, rt := range routes {
		out[i] = rt.Expert
	}
	return out, nil
}
