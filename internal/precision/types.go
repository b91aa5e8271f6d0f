package precision

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExpertID identifies one MoE expert. Opaque to this package.
type ExpertID string

// BitDepth is the numeric precision an expert's weights are stored at.
// The underlying value is the bit width so ordering is numeric.
type BitDepth uint8

const (
	INT4 BitDepth = 4
	INT8 BitDepth = 8
	FP16 BitDepth = 16
)

// Depths lists the supported precisions in ascending order.
var Depths = [...]BitDepth{INT4, INT8, FP16}

func (b BitDepth) Valid() bool {
	return b == INT4 || b == INT8 || b == FP16
}

// IsInteger reports whether b is realized by integer block quantization.
func (b BitDepth) IsInteger() bool {
	return b == INT4 || b == INT8
}

func (b BitDepth) Less(o BitDepth) bool {
	return b < o
}

// Index returns the position of b in Depths, or -1.
func (b BitDepth) Index() int {
	for i, d := range Depths {
		if d == b {
			return i
		}
	}
	return -1
}

func (b BitDepth) String() string {
	switch b {
	case INT4:
		return "INT4"
	case INT8:
		return "INT8"
	case FP16:
		return "FP16"
	default:
		return fmt.Sprintf("BitDepth(%d)", uint8(b))
	}
}

// ParseBitDepth accepts "4", "int4", "INT8", "fp16", "16" and so on.
func ParseBitDepth(s string) (BitDepth, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "4", "INT4":
		return INT4, nil
	case "8", "INT8":
		return INT8, nil
	case "16", "FP16", "F16":
		return FP16, nil
	}
	return 0, fmt.Errorf("unknown bit depth %q", s)
}

// HardwareProfile is the execution target class. The category is
// normalized to lower case at construction and never changes afterwards.
type HardwareProfile struct {
	category string
}

func NewHardwareProfile(category string) HardwareProfile {
	return HardwareProfile{category: strings.ToLower(strings.TrimSpace(category))}
}

func (h HardwareProfile) Category() string {
	return h.category
}

func (h HardwareProfile) String() string {
	return h.category
}

// Decision is the policy output for one expert. The numeric values double
// as indexes into per-state action vectors.
type Decision int

const (
	Raise Decision = iota
	Lower
	Hold
)

// NumDecisions is the size of an action vector.
const NumDecisions = 3

var Decisions = [NumDecisions]Decision{Raise, Lower, Hold}

func (d Decision) String() string {
	switch d {
	case Raise:
		return "raise"
	case Lower:
		return "lower"
	case Hold:
		return "hold"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Target is the bit depth a decision realizes when applied from the
// reference precision: raise→FP16, lower→INT4, hold→INT8.
func (d Decision) Target() BitDepth {
	switch d {
	case Raise:
		return FP16
	case Lower:
		return INT4
	default:
		return INT8
	}
}

// Compare translates a move from one bit depth to another into a decision.
func Compare(from, to BitDepth) Decision {
	switch {
	case from.Less(to):
		return Raise
	case to.Less(from):
		return Lower
	default:
		return Hold
	}
}

// InferenceTrace is one observed inference outcome. Traces are values; once
// appended to a buffer they are not modified.
type InferenceTrace struct {
	ID         uuid.UUID
	Expert     ExpertID
	BitDepth   BitDepth
	Hardware   HardwareProfile
	Accuracy   float64
	Latency    float64 // seconds
	TokenLoss  float64
	Decision   Decision
	InputSize  int
	RecordedAt time.Time
}

// NewTrace stamps a trace with a fresh ID and the current time.
func NewTrace(expert ExpertID, bits BitDepth, hw HardwareProfile, accuracy, latency, tokenLoss float64, decision Decision, inputSize int) InferenceTrace {
	return InferenceTrace{
		ID:         uuid.New(),
		Expert:     expert,
		BitDepth:   bits,
		Hardware:   hw,
		Accuracy:   accuracy,
		Latency:    latency,
		TokenLoss:  tokenLoss,
		Decision:   decision,
		InputSize:  inputSize,
		RecordedAt: time.Now(),
	}
}

// Reward scores a trace: accuracy minus weighted latency and token loss.
func Reward(t InferenceTrace, lambda1, lambda2 float64) float64 {
	return t.Accuracy - lambda1*t.Latency - lambda2*t.TokenLoss
}
