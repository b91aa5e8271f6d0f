package workload

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-precision/internal/precision"
)

// Profile is the cost of running an expert at one bit depth on the
// reference accelerator.
type Profile struct {
	Accuracy float64
	// Latency is seconds per 128 input tokens.
	Latency float64
}

// DefaultProfiles trades accuracy for latency across the three depths.
var DefaultProfiles = map[precision.BitDepth]Profile{
	precision.INT4: {Accuracy: 0.82, Latency: 0.004},
	precision.INT8: {Accuracy: 0.91, Latency: 0.006},
	precision.FP16: {Accuracy: 0.95, Latency: 0.012},
}

// HardwareFactor scales latency by hardware category.
func HardwareFactor(hw precision.HardwareProfile) float64 {
	switch hw.Category() {
	case "gpu":
		return 1
	case "tpu":
		return 0.8
	case "cpu":
		return 4
	default:
		return 2
	}
}

// Model turns a bit depth and a measured quantization error into an
// observed accuracy and latency.
type Model struct {
	Profiles map[precision.BitDepth]Profile
	// Noise is the standard deviation of the accuracy jitter.
	Noise float64
	// ErrorPenalty converts token loss into lost accuracy.
	ErrorPenalty float64
}

func DefaultModel() Model {
	return Model{Profiles: DefaultProfiles, Noise: 0.02, ErrorPenalty: 0.5}
}

// Observe samples one inference outcome. Accuracy is clamped to [0,1] and
// latency is never negative.
func (m Model) Observe(rng *rand.Rand, bits precision.BitDepth, hw precision.HardwareProfile, inputSize int, tokenLoss float64) (accuracy, latency float64) {
	p, ok := m.Profiles[bits]
	if !ok {
		p = m.Profiles[precision.INT8]
	}
	accuracy = p.Accuracy - m.ErrorPenalty*tokenLoss + rng.NormFloat64()*m.Noise
	accuracy = math.Min(1, math.Max(0, accuracy))

	latency = p.Latency * HardwareFactor(hw) * float64(inputSize) / 128
	latency *= 1 + 0.1*rng.NormFloat64()
	return accuracy, math.Max(0, latency)
}

// InputSampler draws clamped Gaussian input sizes in tokens.
type InputSampler struct {
	Mean, StdDev float64
	Min, Max     int
}

func (s InputSampler) Sample(rng *rand.Rand) int {
	if s.Min == s.Max {
		return s.Min
	}
	val := rng.NormFloat64()*s.StdDev + s.Mean
	clamped := math.Min(float64(s.Max), math.Max(float64(s.Min), val))
	if n := int(math.Round(clamped)); n > 1 {
		return n
	}
	return 1
}
