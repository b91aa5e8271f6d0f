package moe

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRoster(t *testing.T) {
	r := NewStaticRoster("a", "b")
	got, err := r.Experts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []precision.ExpertID{"a", "b"}, got)

	got[0] = "mutated"
	again, _ := r.Experts(context.Background())
	assert.Equal(t, precision.ExpertID("a"), again[0], "callers get a copy")

	r.Set("c")
	got, _ = r.Experts(context.Background())
	assert.Equal(t, []precision.ExpertID{"c"}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Experts(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func testExperts() []Expert {
	return []Expert{
		{ID: "e0", Weights: []float64{1, 0}},
		{ID: "e1", Weights: []float64{0, 1}},
		{ID: "e2", Weights: []float64{-1, 0}},
	}
}

func TestSoftmaxGateRoute(t *testing.T) {
	g, err := NewSoftmaxGate(testExperts(), 2)
	require.NoError(t, err)

	routes, err := g.Route([]float64{2, 1})
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, precision.ExpertID("e0"), routes[0].Expert)
	assert.Equal(t, precision.ExpertID("e1"), routes[1].Expert)
	assert.Greater(t, routes[0].Probability, routes[1].Probability)

	all, _ := NewSoftmaxGate(testExperts(), 3)
	full, _ := all.Route([]float64{2, 1})
	var sum float64
	for _, r := range full {
		sum += r.Probability
	}
	assert.InDelta(t, 1, sum, 1e-12)
}

func TestSoftmaxGateTiesKeepOrder(t *testing.T) {
	g, _ := NewSoftmaxGate(testExperts(), 3)
	routes, err := g.Route([]float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, precision.ExpertID("e0"), routes[0].Expert)
	assert.Equal(t, precision.ExpertID("e1"), routes[1].Expert)
	assert.Equal(t, precision.ExpertID("e2"), routes[2].Expert)
}

func TestSoftmaxGateErrors(t *testing.T) {
	_, err := NewSoftmaxGate(nil, 1)
	assert.Error(t, err)
	_, err = NewSoftmaxGate(testExperts(), 4)
	assert.Error(t, err)
	_, err = NewSoftmaxGate([]Expert{{ID: "a", Weights: []float64{1}}, {ID: "b", Weights: []float64{1, 2}}}, 1)
	assert.Error(t, err)

	g, _ := NewSoftmaxGate(testExperts(), 1)
	_, err = g.Route([]float64{1})
	assert.Error(t, err)
}

func TestGatedRoster(t *testing.T) {
	g, _ := NewSoftmaxGate(testExperts(), 1)
	features := []float64{0, 5}
	r := &GatedRoster{Gate: g, Features: func() []float64 { return features }}
	got, err := r.Experts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []precision.ExpertID{"e1"}, got)
}
