package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
)

const (
	DefaultStepSize = 0.1
	DefaultEpsilon  = 0.1
)

// QTable maps a state to Raise/Lower/Hold scores.
type QTable map[StateKey][precision.NumDecisions]float64

// QLearning is the tabular ε-greedy policy. Each update is a single-step
// value update since a decision's outcome is observed on the next call.
type QLearning struct {
	mu        sync.Mutex
	table     QTable
	lambda1   float64
	lambda2   float64
	epsilon   float64
	step      float64
	reference precision.BitDepth
	depths    depths
	rng       *rand.Rand
	explored  int
}

type QOption func(*QLearning)

func WithEpsilon(epsilon float64) QOption {
	return func(q *QLearning) { q.epsilon = epsilon }
}

func WithStepSize(step float64) QOption {
	return func(q *QLearning) { q.step = step }
}

// WithReferenceDepth sets the bit depth Select assumes for experts it has
// no trace for yet.
func WithReferenceDepth(bits precision.BitDepth) QOption {
	return func(q *QLearning) { q.reference = bits }
}

// WithRand injects the random source, for reproducible exploration.
func WithRand(rng *rand.Rand) QOption {
	return func(q *QLearning) { q.rng = rng }
}

func NewQLearning(lambda1, lambda2 float64, opts ...QOption) *QLearning {
	q := &QLearning{
		table:     make(QTable),
		lambda1:   lambda1,
		lambda2:   lambda2,
		epsilon:   DefaultEpsilon,
		step:      DefaultStepSize,
		reference: precision.INT8,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	q.depths = newDepths(q.reference)
	return q
}

func (q *QLearning) Name() string {
	return "qlearning"
}

// Select picks a decision per expert from the row of the depth the expert
// last ran at and returns the bit depth the decision targets.
func (q *QLearning) Select(experts []precision.ExpertID, hw precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[precision.ExpertID]precision.BitDepth, len(experts))
	for _, expert := range experts {
		scores := q.table[q.depths.state(expert, hw)]
		var action precision.Decision
		if q.rng.Float64() < q.epsilon {
			action = precision.Decisions[q.rng.Intn(precision.NumDecisions)]
			q.explored++
			metrics.RecordExploration(q.Name())
		} else {
			action = precision.Decisions[argmax(scores[:])]
		}
		out[expert] = action.Target()
	}
	return out
}

// Update moves the taken action's score toward the trace reward.
func (q *QLearning) Update(trace precision.InferenceTrace) {
	reward := precision.Reward(trace, q.lambda1, q.lambda2)
	key := KeyOf(trace)

	q.mu.Lock()
	scores := q.table[key]
	a := int(trace.Decision)
	if a >= 0 && a < precision.NumDecisions {
		scores[a] += q.step * (reward - scores[a])
	}
	q.table[key] = scores
	q.depths.observe(trace)
	q.mu.Unlock()

	metrics.RecordReward(q.Name(), reward)
}

// Values returns the scores for key and whether the state has been seen.
func (q *QLearning) Values(key StateKey) ([precision.NumDecisions]float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.table[key]
	return v, ok
}

// Len is the number of states in the table.
func (q *QLearning) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.table)
}

// ExplorationCount is the number of random choices Select has made.
func (q *QLearning) ExplorationCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.explored
}

// Snapshot copies the table.
func (q *QLearning) Snapshot() QTable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(QTable, len(q.table))
	for k, v := range q.table {
		out[k] = v
	}
	return out
}
