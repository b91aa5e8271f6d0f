package policy

import (
	"github.com/23skdu/longbow-precision/internal/precision"
)

// Policy chooses a bit depth per expert and learns from completed traces.
// Select and Update never fail; unseen state degrades to default scores.
type Policy interface {
	Name() string
	Select(experts []precision.ExpertID, hw precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth
	Update(trace precision.InferenceTrace)
}

// StateKey is the composite (expert, bit depth, hardware category) state.
type StateKey struct {
	Expert   precision.ExpertID
	Bits     precision.BitDepth
	Hardware string
}

// KeyOf returns the state a trace was observed in.
func KeyOf(trace precision.InferenceTrace) StateKey {
	return StateKey{Expert: trace.Expert, Bits: trace.BitDepth, Hardware: trace.Hardware.Category()}
}

// argmax returns the index of the largest score, the first one on ties.
func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

type placement struct {
	expert   precision.ExpertID
	hardware string
}

// depths remembers the bit depth each expert last ran at per hardware
// category, so Select scores the state the expert is actually in.
// Callers hold the owning policy's lock.
type depths struct {
	reference precision.BitDepth
	current   map[placement]precision.BitDepth
}

func newDepths(reference precision.BitDepth) depths {
	return depths{reference: reference, current: make(map[placement]precision.BitDepth)}
}

// observe records the depth a trace ran at.
func (d *depths) observe(trace precision.InferenceTrace) {
	if trace.BitDepth.Index() < 0 {
		return
	}
	d.current[placement{trace.Expert, trace.Hardware.Category()}] = trace.BitDepth
}

// state is the key Select evaluates; unseen experts sit at the reference depth.
func (d *depths) state(expert precision.ExpertID, hw precision.HardwareProfile) StateKey {
	bits, ok := d.current[placement{expert, hw.Category()}]
	if !ok {
		bits = d.reference
	}
	return StateKey{Expert: expert, Bits: bits, Hardware: hw.Category()}
}
