package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuantizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_quantize_total",
		Help: "Total number of block quantization calls",
	}, []string{"bits", "mode"})

	QuantizeBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_quantize_blocks_total",
		Help: "Total number of blocks quantized",
	}, []string{"bits"})

	QuantizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "precision_quantize_duration_seconds",
		Help:    "Duration of quantization calls by technique",
		Buckets: prometheus.DefBuckets,
	}, []string{"technique"})

	QuantizeMaxAbsError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precision_quantize_max_abs_error",
		Help:    "Maximum absolute round-trip error of a quantize call",
		Buckets: []float64{0, 0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
	})

	QuantizeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_quantize_errors_total",
		Help: "Total number of failed quantization calls",
	}, []string{"operation", "error_type"})

	AdapterQATLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precision_adapter_qat_loss",
		Help:    "Training loss observed during quantization-aware adapter steps",
		Buckets: []float64{0, 0.001, 0.01, 0.1, 0.5, 1, 5, 10, 100},
	})

	CheckpointWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precision_checkpoint_writes_total",
		Help: "Total number of adapter checkpoints persisted after QAT",
	})

	CheckpointPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precision_checkpoint_persist_failures_total",
		Help: "Adapter checkpoint writes that failed after a successful quantization",
	})

	PolicyReward = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "precision_policy_reward",
		Help:    "Reward computed from inference traces",
		Buckets: []float64{-1, -0.5, 0, 0.25, 0.5, 0.75, 0.9, 1},
	}, []string{"policy"})

	PolicyExploration = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_policy_exploration_total",
		Help: "Number of explorative (random) action choices",
	}, []string{"policy"})

	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_policy_decisions_total",
		Help: "Decisions emitted by the optimizer",
	}, []string{"decision", "hardware"})

	ExpertPrecision = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "precision_expert_bits",
		Help: "Most recent bit depth selected for an expert",
	}, []string{"expert_id", "hardware"})

	TraceBufferAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precision_trace_buffer_appended_total",
		Help: "Total number of traces appended to the buffer",
	})

	TraceBufferFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precision_trace_buffer_flushed_total",
		Help: "Total number of traces claimed by flushes",
	})

	TraceBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "precision_trace_buffer_depth",
		Help: "Traces currently waiting in the buffer",
	})

	FoldDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precision_fold_duration_seconds",
		Help:    "Time spent folding a batch of traces into policy state",
		Buckets: prometheus.DefBuckets,
	})

	FoldTraces = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precision_fold_traces",
		Help:    "Number of traces consumed per fold",
		Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_transitions_total",
		Help: "Pipeline stage transitions logged",
	}, []string{"from", "to", "weight"})

	TraceExportBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precision_trace_export_batches_total",
		Help: "Trace batches exported over Arrow Flight",
	}, []string{"status"})
)

func bitsLabel(bits int) string {
	return strconv.Itoa(bits)
}

// RecordQuantize records one block quantization call
func RecordQuantize(bits int, symmetric bool, blocks int, maxAbsErr float64) {
	mode := "asymmetric"
	if symmetric {
		mode = "symmetric"
	}
	QuantizeTotal.WithLabelValues(bitsLabel(bits), mode).Inc()
	QuantizeBlocks.WithLabelValues(bitsLabel(bits)).Add(float64(blocks))
	QuantizeMaxAbsError.Observe(maxAbsErr)
}

func RecordQuantizeDuration(technique string, duration time.Duration) {
	QuantizeDuration.WithLabelValues(technique).Observe(duration.Seconds())
}

func RecordQuantizeError(operation, errorType string) {
	QuantizeErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordQATLoss(loss float64) {
	AdapterQATLoss.Observe(loss)
}

// RecordCheckpointWrite records the outcome of persisting a fine-tuned adapter
func RecordCheckpointWrite(err error) {
	if err != nil {
		CheckpointPersistFailures.Inc()
		return
	}
	CheckpointWrites.Inc()
}

func RecordReward(policy string, reward float64) {
	PolicyReward.WithLabelValues(policy).Observe(reward)
}

func RecordExploration(policy string) {
	PolicyExploration.WithLabelValues(policy).Inc()
}

// RecordDecision records a resolved decision and the bit depth it targets
func RecordDecision(decision, hardware, expert string, bits int) {
	PolicyDecisions.WithLabelValues(decision, hardware).Inc()
	ExpertPrecision.WithLabelValues(expert, hardware).Set(float64(bits))
}

func RecordTraceAppend() {
	TraceBufferAppended.Inc()
	TraceBufferDepth.Inc()
}

func RecordTraceFlush(n int) {
	TraceBufferFlushed.Add(float64(n))
	TraceBufferDepth.Sub(float64(n))
}

func RecordFold(traces int, duration time.Duration) {
	FoldTraces.Observe(float64(traces))
	FoldDuration.Observe(duration.Seconds())
}

func RecordTransition(from, to string, weight uint32) {
	Transitions.WithLabelValues(from, to, strconv.FormatUint(uint64(weight), 10)).Inc()
}

func RecordTraceExport(err error) {
	if err != nil {
		TraceExportBatches.WithLabelValues("error").Inc()
		return
	}
	TraceExportBatches.WithLabelValues("ok").Inc()
}
