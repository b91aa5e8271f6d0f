package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/longbow-precision/internal/config"
	"github.com/23skdu/longbow-precision/internal/moe"
	"github.com/23skdu/longbow-precision/internal/policy"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/tracebuf"
	"github.com/23skdu/longbow-precision/internal/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gpu = precision.NewHardwareProfile("gpu")

// fixedPolicy selects a preset depth per expert and counts updates.
type fixedPolicy struct {
	name    string
	mu      sync.Mutex
	picks   map[precision.ExpertID]precision.BitDepth
	updates []precision.InferenceTrace
}

func (f *fixedPolicy) Name() string { return f.name }

func (f *fixedPolicy) Select(experts []precision.ExpertID, _ precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth {
	out := make(map[precision.ExpertID]precision.BitDepth)
	for _, e := range experts {
		if b, ok := f.picks[e]; ok {
			out[e] = b
		}
	}
	return out
}

func (f *fixedPolicy) Update(trace precision.InferenceTrace) {
	f.mu.Lock()
	f.updates = append(f.updates, trace)
	f.mu.Unlock()
}

func (f *fixedPolicy) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newFixture(t *testing.T) (*Optimizer, *fixedPolicy, *fixedPolicy) {
	t.Helper()
	tab := &fixedPolicy{name: "qlearning", picks: map[precision.ExpertID]precision.BitDepth{
		"e1": precision.FP16, "e2": precision.INT4, "e3": precision.INT8,
	}}
	grad := &fixedPolicy{name: "ppo", picks: map[precision.ExpertID]precision.BitDepth{
		"e1": precision.INT4,
	}}
	o, err := New([]policy.Policy{tab, grad})
	require.NoError(t, err)
	return o, tab, grad
}

func tr(expert precision.ExpertID, bits precision.BitDepth) precision.InferenceTrace {
	return precision.NewTrace(expert, bits, gpu, 0.9, 0.05, 0.01, precision.Hold, 8)
}

func TestResolveTranslatesBitDepthChange(t *testing.T) {
	o, _, _ := newFixture(t)
	experts := []precision.ExpertID{"e1", "e2", "e3"}

	tests := []struct {
		name  string
		trace precision.InferenceTrace
		want  precision.Decision
	}{
		{"int8 to fp16 raises", tr("e1", precision.INT8), precision.Raise},
		{"int4 to fp16 raises", tr("e1", precision.INT4), precision.Raise},
		{"fp16 to int4 lowers", tr("e2", precision.FP16), precision.Lower},
		{"int8 to int4 lowers", tr("e2", precision.INT8), precision.Lower},
		{"same depth holds", tr("e3", precision.INT8), precision.Hold},
		{"fp16 to int8 lowers", tr("e3", precision.FP16), precision.Lower},
		{"absent expert holds", tr("ghost", precision.INT4), precision.Hold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.Resolve(tt.trace, experts, gpu))
		})
	}
}

func TestAssignUsesPrimary(t *testing.T) {
	o, _, _ := newFixture(t)
	got := o.Assign([]precision.ExpertID{"e1", "e2"}, gpu)
	assert.Equal(t, map[precision.ExpertID]precision.BitDepth{"e1": precision.FP16, "e2": precision.INT4}, got)

	o, err := New(o.Policies(), WithPrimary("ppo"))
	require.NoError(t, err)
	got = o.Assign([]precision.ExpertID{"e1", "e2"}, gpu)
	assert.Equal(t, map[precision.ExpertID]precision.BitDepth{"e1": precision.INT4}, got)
}

func TestResolveUpdatesEveryPolicy(t *testing.T) {
	o, tab, grad := newFixture(t)
	o.Resolve(tr("e1", precision.INT8), []precision.ExpertID{"e1"}, gpu)
	o.Resolve(tr("ghost", precision.INT8), []precision.ExpertID{"e1"}, gpu)
	assert.Equal(t, 2, tab.updateCount())
	assert.Equal(t, 2, grad.updateCount())
}

func TestWithPrimary(t *testing.T) {
	tab := &fixedPolicy{name: "qlearning", picks: map[precision.ExpertID]precision.BitDepth{"e1": precision.FP16}}
	grad := &fixedPolicy{name: "ppo", picks: map[precision.ExpertID]precision.BitDepth{"e1": precision.INT4}}

	o, err := New([]policy.Policy{tab, grad}, WithPrimary("ppo"))
	require.NoError(t, err)
	assert.Equal(t, "ppo", o.Primary())
	assert.Equal(t, precision.Lower, o.Resolve(tr("e1", precision.INT8), []precision.ExpertID{"e1"}, gpu))

	_, err = New([]policy.Policy{tab}, WithPrimary("sarsa"))
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]precision.InferenceTrace
	err     error
}

func (s *recordingSink) ExportTraces(_ context.Context, traces []precision.InferenceTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, traces)
	return s.err
}

func TestFoldDrainsBufferOnce(t *testing.T) {
	sink := &recordingSink{}
	log := transition.NewLog()
	tab := &fixedPolicy{name: "qlearning", picks: map[precision.ExpertID]precision.BitDepth{
		"e1": precision.FP16, "e2": precision.INT4,
	}}
	o, err := New([]policy.Policy{tab}, WithSink(sink), WithTransitionLog(log))
	require.NoError(t, err)

	buf := tracebuf.New()
	buf.Append(tr("e1", precision.INT8))
	buf.Append(tr("e1", precision.INT4))
	buf.Append(tr("e2", precision.INT8))
	buf.Append(tr("ghost", precision.INT8))

	roster := moe.NewStaticRoster("e1", "e2")
	report, err := o.Fold(context.Background(), buf, roster, gpu)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Traces)
	assert.Equal(t, 2, report.Decisions[precision.Raise])
	assert.Equal(t, 1, report.Decisions[precision.Lower])
	assert.Equal(t, 1, report.Decisions[precision.Hold])
	assert.InDelta(t, 0.9-0.1*0.05-0.05*0.01, report.MeanReward, 1e-12)
	assert.InDelta(t, 0.05, report.P95Latency, 1e-12)
	assert.Zero(t, buf.Len())

	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 4)
	// one dispatch→quantize record per expert found in the selection
	assert.Equal(t, 3, log.Len())
	for _, r := range log.Records() {
		assert.Equal(t, transition.Dispatch, r.From)
		assert.Equal(t, transition.Quantize, r.To)
	}

	empty, err := o.Fold(context.Background(), buf, roster, gpu)
	require.NoError(t, err)
	assert.Zero(t, empty.Traces)
	assert.Len(t, sink.batches, 1, "empty folds export nothing")

	status := o.Status()
	assert.Equal(t, 2, status.Folds)
	assert.Equal(t, 3, status.Transitions)
}

type recordingObserver struct {
	folds   []FoldReport
	exports []error
}

func (r *recordingObserver) RecordFold(rep FoldReport) { r.folds = append(r.folds, rep) }
func (r *recordingObserver) RecordExport(err error)    { r.exports = append(r.exports, err) }

func TestFoldSinkFailureDoesNotFailFold(t *testing.T) {
	sink := &recordingSink{err: errors.New("flight unavailable")}
	obs := &recordingObserver{}
	o, err := New([]policy.Policy{&fixedPolicy{name: "qlearning"}}, WithSink(sink), WithObserver(obs))
	require.NoError(t, err)
	buf := tracebuf.New()
	buf.Append(tr("e1", precision.INT8))

	report, err := o.Fold(context.Background(), buf, moe.NewStaticRoster("e1"), gpu)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Traces)

	require.Len(t, obs.exports, 1)
	assert.EqualError(t, obs.exports[0], "flight unavailable")
	require.Len(t, obs.folds, 1)
	assert.Equal(t, 1, obs.folds[0].Traces)

	// an empty fold is still observed but nothing is exported
	_, err = o.Fold(context.Background(), buf, moe.NewStaticRoster("e1"), gpu)
	require.NoError(t, err)
	assert.Len(t, obs.folds, 2)
	assert.Len(t, obs.exports, 1)
}

type failingRoster struct{}

func (failingRoster) Experts(context.Context) ([]precision.ExpertID, error) {
	return nil, errors.New("gate offline")
}

func TestFoldRosterErrorKeepsTraces(t *testing.T) {
	o, _, _ := newFixture(t)
	buf := tracebuf.New()
	buf.Append(tr("e1", precision.INT8))

	_, err := o.Fold(context.Background(), buf, failingRoster{}, gpu)
	require.Error(t, err)
	assert.Equal(t, 1, buf.Len(), "traces stay buffered for the next fold")
}

func TestRunFoldsUntilCancelled(t *testing.T) {
	o, tab, _ := newFixture(t)
	buf := tracebuf.New()
	roster := moe.NewStaticRoster("e1", "e2", "e3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, buf, roster, gpu, 5*time.Millisecond)
	}()

	for i := 0; i < 50; i++ {
		buf.Append(tr("e1", precision.INT8))
	}
	require.Eventually(t, func() bool { return tab.updateCount() == 50 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		buf.Append(tr("e2", precision.INT8))
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 60, tab.updateCount(), "final fold drains the remainder")
	assert.Zero(t, buf.Len())

	assert.Error(t, o.Run(context.Background(), buf, roster, gpu, 0))
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	o, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "qlearning", o.Primary())
	require.Len(t, o.Policies(), 2)
	assert.Equal(t, "ppo", o.Policies()[1].Name())

	cfg.Policy.Primary = "ppo"
	o, err = NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ppo", o.Primary())

	// a real policy pair resolves without panicking on unseen state
	d := o.Resolve(tr("e1", precision.INT8), []precision.ExpertID{"e1"}, gpu)
	assert.Contains(t, precision.Decisions[:], d)
}
