package tracebuf

import (
	"sync"

	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/gammazero/deque"
	"github.com/montanaflynn/stats"
)

// Buffer collects inference traces from many producers for a single
// consumer. Append holds the lock only for one push; Flush swaps the
// backing deque out and drains it without the lock.
type Buffer struct {
	mu sync.Mutex
	q  *deque.Deque[precision.InferenceTrace]
}

func New() *Buffer {
	return &Buffer{q: deque.New[precision.InferenceTrace]()}
}

// Append records a trace. It never fails.
func (b *Buffer) Append(trace precision.InferenceTrace) {
	b.mu.Lock()
	b.q.PushBack(trace)
	b.mu.Unlock()
	metrics.RecordTraceAppend()
}

// Flush removes and returns every trace appended before the swap. Each
// trace is returned by exactly one Flush; per-producer order is kept.
func (b *Buffer) Flush() []precision.InferenceTrace {
	b.mu.Lock()
	drained := b.q
	b.q = deque.New[precision.InferenceTrace]()
	b.mu.Unlock()

	out := make([]precision.InferenceTrace, 0, drained.Len())
	for drained.Len() > 0 {
		out = append(out, drained.PopFront())
	}
	metrics.RecordTraceFlush(len(out))
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

// Summary aggregates a flushed batch.
type Summary struct {
	Count         int
	MeanAccuracy  float64
	MeanLatency   float64
	P95Latency    float64
	MeanTokenLoss float64
}

// Summarize computes batch statistics. An empty batch yields a zero Summary.
func Summarize(traces []precision.InferenceTrace) Summary {
	if len(traces) == 0 {
		return Summary{}
	}
	acc := make(stats.Float64Data, len(traces))
	lat := make(stats.Float64Data, len(traces))
	loss := make(stats.Float64Data, len(traces))
	for i, t := range traces {
		acc[i] = t.Accuracy
		lat[i] = t.Latency
		loss[i] = t.TokenLoss
	}

	s := Summary{Count: len(traces)}
	s.MeanAccuracy, _ = stats.Mean(acc)
	s.MeanLatency, _ = stats.Mean(lat)
	s.MeanTokenLoss, _ = stats.Mean(loss)
	s.P95Latency, _ = stats.Percentile(lat, 95)
	return s
}
