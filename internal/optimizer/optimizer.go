package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/config"
	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/moe"
	"github.com/23skdu/longbow-precision/internal/policy"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/tracebuf"
	"github.com/23skdu/longbow-precision/internal/transition"
	"github.com/montanaflynn/stats"
)

// TraceSink receives every flushed batch after it has been folded.
type TraceSink interface {
	ExportTraces(ctx context.Context, traces []precision.InferenceTrace) error
}

// FoldObserver is told about every completed fold and every export attempt.
type FoldObserver interface {
	RecordFold(r FoldReport)
	RecordExport(err error)
}

// Optimizer owns the policies and is their only writer. It turns each
// trace into a raise/lower/hold decision for the trace's expert.
type Optimizer struct {
	mu          sync.Mutex
	policies    []policy.Policy
	primary     policy.Policy
	transitions *transition.Log
	sink        TraceSink
	observer    FoldObserver
	lambda1     float64
	lambda2     float64
	log         *logger.Logger

	folds    int
	lastFold FoldReport
}

type Option func(*Optimizer) error

// WithPrimary selects the policy, by name, whose Select drives decisions.
func WithPrimary(name string) Option {
	return func(o *Optimizer) error {
		for _, p := range o.policies {
			if p.Name() == name {
				o.primary = p
				return nil
			}
		}
		return fmt.Errorf("unknown primary policy %q", name)
	}
}

func WithTransitionLog(l *transition.Log) Option {
	return func(o *Optimizer) error {
		o.transitions = l
		return nil
	}
}

func WithSink(s TraceSink) Option {
	return func(o *Optimizer) error {
		o.sink = s
		return nil
	}
}

func WithObserver(obs FoldObserver) Option {
	return func(o *Optimizer) error {
		o.observer = obs
		return nil
	}
}

// WithRewardWeights sets the λ1, λ2 used for fold reports.
func WithRewardWeights(lambda1, lambda2 float64) Option {
	return func(o *Optimizer) error {
		o.lambda1, o.lambda2 = lambda1, lambda2
		return nil
	}
}

// New builds an optimizer over the given policies. The first one is the
// primary unless WithPrimary says otherwise.
func New(policies []policy.Policy, opts ...Option) (*Optimizer, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one policy")
	}
	o := &Optimizer{
		policies:    policies,
		primary:     policies[0],
		transitions: transition.NewLog(),
		lambda1:     0.1,
		lambda2:     0.05,
		log:         logger.Log.With("component", "optimizer"),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// NewFromConfig builds the tabular and gradient policies from cfg.
func NewFromConfig(cfg config.Config, opts ...Option) (*Optimizer, error) {
	ref, err := cfg.ReferenceDepth()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Policy.Seed))
	q := policy.NewQLearning(cfg.Policy.Lambda1, cfg.Policy.Lambda2,
		policy.WithEpsilon(cfg.Policy.Epsilon),
		policy.WithStepSize(cfg.Policy.StepSize),
		policy.WithReferenceDepth(ref),
		policy.WithRand(rng),
	)
	ppo := policy.NewPPO(cfg.Policy.Lambda1, cfg.Policy.Lambda2, policy.PPOConfig{
		LearningRate: cfg.PPO.LearningRate,
		ClipEpsilon:  cfg.PPO.ClipEpsilon,
		Epochs:       cfg.PPO.Epochs,
		BaselineStep: cfg.PPO.BaselineStep,
		Exploration:  cfg.PPO.Exploration,
		Reference:    ref,
	}, rand.New(rand.NewSource(cfg.Policy.Seed+1)))

	all := append([]Option{
		WithPrimary(cfg.GetPrimary()),
		WithRewardWeights(cfg.Policy.Lambda1, cfg.Policy.Lambda2),
	}, opts...)
	return New([]policy.Policy{q, ppo}, all...)
}

// Primary returns the name of the decision-driving policy.
func (o *Optimizer) Primary() string {
	return o.primary.Name()
}

// Policies returns the policies in update order.
func (o *Optimizer) Policies() []policy.Policy {
	return o.policies
}

func (o *Optimizer) Transitions() *transition.Log {
	return o.transitions
}

// Assign returns the primary policy's current bit depth per expert. It
// takes the optimizer lock, so workers may call it while folds run.
func (o *Optimizer) Assign(experts []precision.ExpertID, hw precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primary.Select(experts, hw)
}

// Resolve updates every policy with trace, asks the primary for its
// precision map and compares the trace's expert entry against the bit
// depth the trace ran at. An expert missing from the map yields Hold.
func (o *Optimizer) Resolve(trace precision.InferenceTrace, experts []precision.ExpertID, hw precision.HardwareProfile) precision.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolve(trace, experts, hw)
}

func (o *Optimizer) resolve(trace precision.InferenceTrace, experts []precision.ExpertID, hw precision.HardwareProfile) precision.Decision {
	for _, p := range o.policies {
		p.Update(trace)
	}

	selected := o.primary.Select(experts, hw)
	target, ok := selected[trace.Expert]
	if !ok {
		o.log.Debug("Expert not in selection, holding", "expert", trace.Expert, "hardware", hw.Category())
		metrics.RecordDecision(precision.Hold.String(), hw.Category(), string(trace.Expert), int(trace.BitDepth))
		return precision.Hold
	}

	decision := precision.Compare(trace.BitDepth, target)
	o.transitions.LogTransition(transition.Dispatch, transition.Quantize, target)
	metrics.RecordDecision(decision.String(), hw.Category(), string(trace.Expert), int(target))
	o.log.Debug("Resolved precision",
		"expert", trace.Expert,
		"from", trace.BitDepth.String(),
		"to", target.String(),
		"decision", decision.String(),
		"policy", o.primary.Name())
	return decision
}

// FoldReport summarizes one drain of the trace buffer.
type FoldReport struct {
	Traces     int                        `json:"traces"`
	Decisions  map[precision.Decision]int `json:"-"`
	MeanReward float64                    `json:"mean_reward"`
	P95Latency float64                    `json:"p95_latency"`
	Duration   time.Duration              `json:"duration"`
	At         time.Time                  `json:"at"`
}

// DecisionCounts keys Decisions by name, for JSON.
func (r FoldReport) DecisionCounts() map[string]int {
	out := make(map[string]int, len(r.Decisions))
	for d, n := range r.Decisions {
		out[d.String()] = n
	}
	return out
}

// Fold drains buf once and resolves every trace against the roster's
// current experts. Traces are not flushed when the roster fails.
func (o *Optimizer) Fold(ctx context.Context, buf *tracebuf.Buffer, roster moe.Roster, hw precision.HardwareProfile) (FoldReport, error) {
	start := time.Now()
	experts, err := roster.Experts(ctx)
	if err != nil {
		return FoldReport{}, fmt.Errorf("roster: %w", err)
	}
	traces := buf.Flush()

	report := FoldReport{Traces: len(traces), Decisions: make(map[precision.Decision]int), At: start}
	rewards := make(stats.Float64Data, 0, len(traces))

	o.mu.Lock()
	for _, tr := range traces {
		report.Decisions[o.resolve(tr, experts, hw)]++
		rewards = append(rewards, precision.Reward(tr, o.lambda1, o.lambda2))
	}
	o.mu.Unlock()

	if len(traces) > 0 {
		report.MeanReward, _ = stats.Mean(rewards)
		report.P95Latency = tracebuf.Summarize(traces).P95Latency
		if o.sink != nil {
			err := o.sink.ExportTraces(ctx, traces)
			if err != nil {
				o.log.Warn("Trace export failed", "traces", len(traces), "error", err)
			}
			if o.observer != nil {
				o.observer.RecordExport(err)
			}
		}
	}
	report.Duration = time.Since(start)
	metrics.RecordFold(report.Traces, report.Duration)

	o.mu.Lock()
	o.folds++
	o.lastFold = report
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.RecordFold(report)
	}

	if report.Traces > 0 {
		o.log.Info("Folded traces",
			"traces", report.Traces,
			"raise", report.Decisions[precision.Raise],
			"lower", report.Decisions[precision.Lower],
			"hold", report.Decisions[precision.Hold],
			"mean_reward", report.MeanReward,
			"p95_latency", report.P95Latency,
			"duration", report.Duration)
	}
	return report, nil
}

// Run folds on every tick until ctx is done, then folds once more so no
// appended trace is left behind.
func (o *Optimizer) Run(ctx context.Context, buf *tracebuf.Buffer, roster moe.Roster, hw precision.HardwareProfile, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid fold interval: %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := o.Fold(context.WithoutCancel(ctx), buf, roster, hw); err != nil {
				o.log.Error("Final fold failed", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if _, err := o.Fold(ctx, buf, roster, hw); err != nil {
				o.log.Warn("Fold failed", "error", err)
			}
		}
	}
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Primary     string         `json:"primary"`
	Policies    []string       `json:"policies"`
	Folds       int            `json:"folds"`
	LastFold    FoldReport     `json:"last_fold"`
	Decisions   map[string]int `json:"last_fold_decisions"`
	Transitions int            `json:"transitions"`
}

func (o *Optimizer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, len(o.policies))
	for i, p := range o.policies {
		names[i] = p.Name()
	}
	return Status{
		Primary:     o.primary.Name(),
		Policies:    names,
		Folds:       o.folds,
		LastFold:    o.lastFold,
		Decisions:   o.lastFold.DecisionCounts(),
		Transitions: o.transitions.Len(),
	}
}
