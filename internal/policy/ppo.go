package policy

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
	"gonum.org/v1/gonum/floats"
)

const (
	expertBuckets = 8
	// bias + bit depth one-hot + hardware one-hot + expert buckets
	numFeatures = 1 + len(precision.Depths) + len(hardwareClasses) + expertBuckets
)

var hardwareClasses = [...]string{"cpu", "gpu", "tpu", "other"}

// PPOConfig holds the clipped policy-gradient hyperparameters.
type PPOConfig struct {
	LearningRate float64
	ClipEpsilon  float64
	Epochs       int
	BaselineStep float64
	Exploration  float64
	Reference    precision.BitDepth
}

func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		LearningRate: 0.05,
		ClipEpsilon:  0.2,
		Epochs:       4,
		BaselineStep: 0.1,
		Reference:    precision.INT8,
	}
}

// PPO is a linear softmax policy over hand-built state features, trained
// one trace at a time with the clipped surrogate objective. Advantages use
// a per-state running baseline.
type PPO struct {
	mu       sync.Mutex
	cfg      PPOConfig
	lambda1  float64
	lambda2  float64
	theta    [precision.NumDecisions][]float64
	baseline map[StateKey]float64
	depths   depths
	rng      *rand.Rand
	updates  int
	clipped  int
}

func NewPPO(lambda1, lambda2 float64, cfg PPOConfig, rng *rand.Rand) *PPO {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &PPO{
		cfg:      cfg,
		lambda1:  lambda1,
		lambda2:  lambda2,
		baseline: make(map[StateKey]float64),
		depths:   newDepths(cfg.Reference),
		rng:      rng,
	}
	for a := range p.theta {
		p.theta[a] = make([]float64, numFeatures)
	}
	return p
}

func (p *PPO) Name() string {
	return "ppo"
}

func features(key StateKey) []float64 {
	phi := make([]float64, numFeatures)
	phi[0] = 1
	off := 1
	if i := key.Bits.Index(); i >= 0 {
		phi[off+i] = 1
	}
	off += len(precision.Depths)

	hw := len(hardwareClasses) - 1
	for i, c := range hardwareClasses[:len(hardwareClasses)-1] {
		if key.Hardware == c {
			hw = i
			break
		}
	}
	phi[off+hw] = 1
	off += len(hardwareClasses)

	h := fnv.New32a()
	h.Write([]byte(key.Expert))
	phi[off+int(h.Sum32()%expertBuckets)] = 1
	return phi
}

// probs is softmax(θ·φ). Callers hold p.mu.
func (p *PPO) probs(phi []float64) [precision.NumDecisions]float64 {
	var logits, out [precision.NumDecisions]float64
	maxLogit := math.Inf(-1)
	for a := range p.theta {
		logits[a] = floats.Dot(p.theta[a], phi)
		maxLogit = math.Max(maxLogit, logits[a])
	}
	var sum float64
	for a := range logits {
		out[a] = math.Exp(logits[a] - maxLogit)
		sum += out[a]
	}
	for a := range out {
		out[a] /= sum
	}
	return out
}

// Probabilities returns π(·|key).
func (p *PPO) Probabilities(key StateKey) [precision.NumDecisions]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probs(features(key))
}

// Select is greedy on π unless an exploration rate is configured.
func (p *PPO) Select(experts []precision.ExpertID, hw precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[precision.ExpertID]precision.BitDepth, len(experts))
	for _, expert := range experts {
		pi := p.probs(features(p.depths.state(expert, hw)))
		var action precision.Decision
		if p.cfg.Exploration > 0 && p.rng.Float64() < p.cfg.Exploration {
			action = precision.Decisions[p.rng.Intn(precision.NumDecisions)]
			metrics.RecordExploration(p.Name())
		} else {
			action = precision.Decisions[argmax(pi[:])]
		}
		out[expert] = action.Target()
	}
	return out
}

// Update runs cfg.Epochs ascent steps on min(r·A, clip(r, 1-ε, 1+ε)·A)
// for the trace's action. The gradient is zero once the clip is active.
func (p *PPO) Update(trace precision.InferenceTrace) {
	reward := precision.Reward(trace, p.lambda1, p.lambda2)
	key := KeyOf(trace)
	a := int(trace.Decision)

	p.mu.Lock()
	defer p.mu.Unlock()
	metrics.RecordReward(p.Name(), reward)
	p.depths.observe(trace)
	if a < 0 || a >= precision.NumDecisions {
		return
	}

	phi := features(key)
	advantage := reward - p.baseline[key]
	old := p.probs(phi)

	for epoch := 0; epoch < p.cfg.Epochs; epoch++ {
		pi := p.probs(phi)
		ratio := pi[a] / old[a]
		if (advantage > 0 && ratio > 1+p.cfg.ClipEpsilon) || (advantage < 0 && ratio < 1-p.cfg.ClipEpsilon) {
			p.clipped++
			break
		}
		// ∂r/∂θ_b = r·(1[b=a] − π_b)·φ
		for b := range p.theta {
			indicator := 0.0
			if b == a {
				indicator = 1
			}
			coef := p.cfg.LearningRate * advantage * ratio * (indicator - pi[b])
			floats.AddScaled(p.theta[b], coef, phi)
		}
	}

	p.baseline[key] += p.cfg.BaselineStep * (reward - p.baseline[key])
	p.updates++
}

// Baseline returns the running value estimate for key.
func (p *PPO) Baseline(key StateKey) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline[key]
}

// Stats reports the number of updates applied and how many hit the clip.
func (p *PPO) Stats() (updates, clipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates, p.clipped
}
