package workload

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-precision/internal/boundary"
	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/moe"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/quant"
	"github.com/23skdu/longbow-precision/internal/tracebuf"
	"github.com/23skdu/longbow-precision/internal/transition"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"
)

// Assigner maps experts to the bit depth they should run at.
type Assigner interface {
	Assign(experts []precision.ExpertID, hw precision.HardwareProfile) map[precision.ExpertID]precision.BitDepth
}

type Options struct {
	Workers int
	// Requests per worker. Zero runs until the context is done.
	Requests int
	// Pause between requests of one worker.
	Pause     time.Duration
	Seed      int64
	Reference precision.BitDepth
	Technique string
	BlockSize int
	// WeightsPerExpert is the size of each expert's synthetic weight
	// buffer. It must reshape to a rows×cols matrix.
	WeightsPerExpert int
	// CompressThreshold drops result values below it in magnitude.
	CompressThreshold float32
	Model             Model
	Inputs            InputSampler
}

func DefaultOptions() Options {
	return Options{
		Workers:           4,
		Seed:              1,
		Reference:         precision.INT8,
		Technique:         boundary.TechniqueGPTQ,
		WeightsPerExpert:  256,
		CompressThreshold: 0.5,
		Model:             DefaultModel(),
		Inputs:            InputSampler{Mean: 256, StdDev: 96, Min: 16, Max: 1024},
	}
}

// Stats counts what a run produced.
type Stats struct {
	Requests   int64
	Traces     int64
	Compressed int64
	Duration   time.Duration
}

// Simulator drives synthetic requests through gate → quantize → infer →
// compress and appends one trace per routed expert.
type Simulator struct {
	gate      *moe.SoftmaxGate
	assigner  Assigner
	buf       *tracebuf.Buffer
	tlog      *transition.Log
	hw        precision.HardwareProfile
	quantizer *boundary.Quantizer
	opts      Options
	weights   map[precision.ExpertID][]float32
	losses    cmap.ConcurrentMap[string, float64]
	log       *logger.Logger

	requests   atomic.Int64
	traces     atomic.Int64
	compressed atomic.Int64
}

func NewSimulator(gate *moe.SoftmaxGate, experts []precision.ExpertID, assigner Assigner, buf *tracebuf.Buffer, tlog *transition.Log, hw precision.HardwareProfile, opts Options) (*Simulator, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("invalid workers: %d (must be positive)", opts.Workers)
	}
	if !opts.Reference.Valid() {
		return nil, fmt.Errorf("invalid reference bit depth: %d", uint8(opts.Reference))
	}
	if opts.Technique != boundary.TechniqueGPTQ && opts.Technique != boundary.TechniqueAWQ {
		return nil, fmt.Errorf("invalid technique: %q (simulator runs gptq or awq)", opts.Technique)
	}
	if opts.WeightsPerExpert <= 0 {
		return nil, fmt.Errorf("invalid weights_per_expert: %d (must be positive)", opts.WeightsPerExpert)
	}
	if opts.Model.Profiles == nil {
		opts.Model = DefaultModel()
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	weights := make(map[precision.ExpertID][]float32, len(experts))
	for _, e := range experts {
		w := make([]float32, opts.WeightsPerExpert)
		for i := range w {
			w[i] = float32(rng.NormFloat64())
		}
		weights[e] = w
	}

	return &Simulator{
		gate:      gate,
		assigner:  assigner,
		buf:       buf,
		tlog:      tlog,
		hw:        hw,
		quantizer: boundary.NewQuantizer(),
		opts:      opts,
		weights:   weights,
		losses:    cmap.New[float64](),
		log:       logger.Log.With("component", "workload", "hardware", hw.Category()),
	}, nil
}

// Run starts the workers and blocks until they finish or ctx is done.
// Context cancellation ends the run without error.
func (s *Simulator) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.opts.Workers; w++ {
		g.Go(func() error {
			return s.worker(gctx, w)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}

	stats := Stats{
		Requests:   s.requests.Load(),
		Traces:     s.traces.Load(),
		Compressed: s.compressed.Load(),
		Duration:   time.Since(start),
	}
	s.log.Info("Workload finished",
		"requests", stats.Requests,
		"traces", stats.Traces,
		"duration", stats.Duration)
	return stats, err
}

func (s *Simulator) worker(ctx context.Context, id int) error {
	rng := rand.New(rand.NewSource(s.opts.Seed + int64(id) + 1))
	pipeline := transition.NewPipeline(s.tlog, s.opts.Reference)
	compressor := KeepAbove()

	for n := 0; s.opts.Requests == 0 || n < s.opts.Requests; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.request(ctx, rng, pipeline, compressor); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		if s.opts.Pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.Pause):
			}
		}
	}
	return nil
}

func (s *Simulator) request(ctx context.Context, rng *rand.Rand, pipeline *transition.Pipeline, compressor boundary.Compressor) error {
	features := make([]float64, s.gate.Dim())
	for i := range features {
		features[i] = rng.NormFloat64()
	}
	routes, err := s.gate.Route(features)
	if err != nil {
		return err
	}
	experts := make([]precision.ExpertID, len(routes))
	for i, r := range routes {
		experts[i] = r.Expert
	}
	assigned := s.assigner.Assign(experts, s.hw)
	inputSize := s.opts.Inputs.Sample(rng)

	for _, expert := range experts {
		bits, ok := assigned[expert]
		if !ok {
			bits = s.opts.Reference
		}
		pipeline.SetBitDepth(bits)

		if err := pipeline.Advance(transition.Quantize); err != nil {
			return err
		}
		result, tokenLoss, err := s.quantize(ctx, expert, bits)
		if err != nil {
			return err
		}

		if err := pipeline.Advance(transition.Infer); err != nil {
			return err
		}
		accuracy, latency := s.opts.Model.Observe(rng, bits, s.hw, inputSize, tokenLoss)
		s.buf.Append(precision.NewTrace(expert, bits, s.hw, accuracy, latency, tokenLoss,
			precision.Compare(s.opts.Reference, bits), inputSize))
		s.traces.Add(1)

		kept, err := boundary.CompressResult(compressor, pipeline, result, s.opts.CompressThreshold)
		if err != nil {
			return err
		}
		s.compressed.Add(int64(len(kept)))

		if err := pipeline.Advance(transition.Dispatch); err != nil {
			return err
		}
	}
	s.requests.Add(1)
	return nil
}

// quantize returns the expert's weights at bits and the mean absolute
// error the quantization introduced. Errors are cached per expert and
// depth since the weights never change.
func (s *Simulator) quantize(ctx context.Context, expert precision.ExpertID, bits precision.BitDepth) ([]float32, float64, error) {
	w, ok := s.weights[expert]
	if !ok {
		return nil, 0, fmt.Errorf("no weights for expert %s", expert)
	}

	var out []float32
	if bits.IsInteger() {
		var err error
		out, err = s.quantizer.QuantizeBatch(ctx, boundary.Request{
			Weights:    w,
			BatchCount: 1,
			BitDepth:   bits,
			Technique:  s.opts.Technique,
			BlockSize:  s.opts.BlockSize,
			Mode:       boundary.ModeSymmetric,
		})
		if err != nil {
			return nil, 0, err
		}
	} else {
		out = quant.HalfPrecision(&quant.Tensor{Rows: 1, Cols: len(w), Data: w}).Data
	}

	key := fmt.Sprintf("%s/%d", expert, bits)
	if loss, ok := s.losses.Get(key); ok {
		return out, loss, nil
	}
	var sum float64
	for i := range w {
		sum += math.Abs(float64(w[i]) - float64(out[i]))
	}
	loss := sum / float64(len(w))
	s.losses.Set(key, loss)
	return out, loss, nil
}

// KeepAbove is the compressor used by the simulator: it keeps values whose
// magnitude reaches the threshold.
func KeepAbove() boundary.CompressorFunc {
	return func(data []float32, threshold float32) ([]float32, error) {
		out := make([]float32, 0, len(data))
		for _, v := range data {
			if v >= threshold || v <= -threshold {
				out = append(out, v)
			}
		}
		return out, nil
	}
}
