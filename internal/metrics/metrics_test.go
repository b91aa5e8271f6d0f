package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQuantize(t *testing.T) {
	before := testutil.ToFloat64(QuantizeBlocks.WithLabelValues("8"))
	RecordQuantize(8, true, 4, 0.002)
	RecordQuantize(8, false, 2, 0.01)
	after := testutil.ToFloat64(QuantizeBlocks.WithLabelValues("8"))
	if after-before != 6 {
		t.Errorf("expected 6 blocks recorded, got %v", after-before)
	}
}

func TestRecordQuantizeDuration(t *testing.T) {
	RecordQuantizeDuration("gptq", 5*time.Millisecond)
	RecordQuantizeDuration("qlora", 20*time.Millisecond)
}

func TestRecordQuantizeError(t *testing.T) {
	before := testutil.ToFloat64(QuantizeErrors.WithLabelValues("quantize", "shape_mismatch"))
	RecordQuantizeError("quantize", "shape_mismatch")
	if got := testutil.ToFloat64(QuantizeErrors.WithLabelValues("quantize", "shape_mismatch")); got != before+1 {
		t.Errorf("expected counter %v, got %v", before+1, got)
	}
}

func TestRecordCheckpointWrite(t *testing.T) {
	writes := testutil.ToFloat64(CheckpointWrites)
	failures := testutil.ToFloat64(CheckpointPersistFailures)

	RecordCheckpointWrite(nil)
	RecordCheckpointWrite(errors.New("disk full"))

	if testutil.ToFloat64(CheckpointWrites) != writes+1 {
		t.Error("expected one successful write")
	}
	if testutil.ToFloat64(CheckpointPersistFailures) != failures+1 {
		t.Error("expected one persist failure")
	}
}

func TestRecordDecision(t *testing.T) {
	RecordDecision("raise", "gpu", "expert1", 16)
	if got := testutil.ToFloat64(ExpertPrecision.WithLabelValues("expert1", "gpu")); got != 16 {
		t.Errorf("expected expert gauge 16, got %v", got)
	}
	RecordDecision("lower", "gpu", "expert1", 4)
	if got := testutil.ToFloat64(ExpertPrecision.WithLabelValues("expert1", "gpu")); got != 4 {
		t.Errorf("expected expert gauge 4, got %v", got)
	}
}

func TestTraceBufferDepth(t *testing.T) {
	start := testutil.ToFloat64(TraceBufferDepth)
	RecordTraceAppend()
	RecordTraceAppend()
	RecordTraceAppend()
	RecordTraceFlush(3)
	if got := testutil.ToFloat64(TraceBufferDepth); got != start {
		t.Errorf("expected depth to return to %v, got %v", start, got)
	}
}

func TestRecordPolicyMetrics(t *testing.T) {
	RecordReward("qlearning", 0.8945)
	RecordExploration("qlearning")
	RecordFold(128, 3*time.Millisecond)
	RecordQATLoss(0.25)
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(Transitions.WithLabelValues("dispatch", "quantize", "2"))
	RecordTransition("dispatch", "quantize", 2)
	if got := testutil.ToFloat64(Transitions.WithLabelValues("dispatch", "quantize", "2")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestRecordTraceExport(t *testing.T) {
	RecordTraceExport(nil)
	RecordTraceExport(errors.New("unavailable"))
}
