package boundary

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/23skdu/longbow-precision/internal/adapter"
	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/quant"
	"golang.org/x/sync/errgroup"
)

// Technique names accepted by QuantizeBatch.
const (
	TechniqueGPTQ  = "gptq"
	TechniqueQLoRA = "qlora"
	TechniqueQAT   = "qat"
	// TechniqueAWQ reuses plain block quantization.
	TechniqueAWQ = "awq"
)

const (
	ModeSymmetric  = "symmetric"
	ModeAsymmetric = "asymmetric"
)

const checkpointExt = ".safetensors"

type AdapterParams struct {
	Rank         int
	Checkpoint   string
	QAT          bool
	LearningRate float64
}

// Request is one flat-buffer quantization call. Weights holds BatchCount
// equally sized batches back to back.
type Request struct {
	Weights    []float32
	BatchCount int
	BitDepth   precision.BitDepth
	Technique  string
	BlockSize  int
	Mode       string
	Adapter    AdapterParams
}

// Quantizer is the entry point float-only callers use. It shares one
// adapter quantizer so checkpoint locks are process-wide.
type Quantizer struct {
	adapter *adapter.Quantizer
	log     *logger.Logger
}

func NewQuantizer() *Quantizer {
	return &Quantizer{
		adapter: adapter.NewQuantizer(),
		log:     logger.Log.With("component", "boundary"),
	}
}

func usesAdapter(technique string) bool {
	return technique == TechniqueQLoRA || technique == TechniqueQAT
}

func (r *Request) validate() error {
	switch r.Technique {
	case TechniqueGPTQ, TechniqueAWQ, TechniqueQLoRA, TechniqueQAT:
	default:
		return fmt.Errorf("%w: %s", quant.ErrUnsupportedTechnique, r.Technique)
	}
	if r.BatchCount <= 0 {
		return fmt.Errorf("batch count %d must be positive: %w", r.BatchCount, quant.ErrInvalidBatching)
	}
	if len(r.Weights) == 0 || len(r.Weights)%r.BatchCount != 0 {
		return fmt.Errorf("%d weights do not divide into %d batches: %w", len(r.Weights), r.BatchCount, quant.ErrInvalidBatching)
	}
	switch strings.ToLower(r.Mode) {
	case ModeSymmetric, ModeAsymmetric:
	default:
		return fmt.Errorf("mode %q must be %s or %s: %w", r.Mode, ModeSymmetric, ModeAsymmetric, quant.ErrInvalidConfig)
	}
	if !r.BitDepth.IsInteger() {
		return fmt.Errorf("bit depth %d: %w", uint8(r.BitDepth), quant.ErrUnsupportedPrecision)
	}
	if r.BlockSize < 0 {
		return fmt.Errorf("block size %d must not be negative: %w", r.BlockSize, quant.ErrInvalidConfig)
	}
	if usesAdapter(r.Technique) {
		if r.Adapter.Rank <= 0 {
			return fmt.Errorf("adapter rank %d must be positive: %w", r.Adapter.Rank, quant.ErrInvalidConfig)
		}
		if !strings.HasSuffix(r.Adapter.Checkpoint, checkpointExt) {
			return fmt.Errorf("checkpoint %q must be a %s file: %w", r.Adapter.Checkpoint, checkpointExt, quant.ErrInvalidConfig)
		}
		if r.Adapter.LearningRate < 0 {
			return fmt.Errorf("learning rate %f must not be negative: %w", r.Adapter.LearningRate, quant.ErrInvalidConfig)
		}
	}
	return nil
}

// batchShape reshapes n values to rows = ⌊√n⌋, cols = n/rows.
func batchShape(n int) (int, int, error) {
	rows := int(math.Sqrt(float64(n)))
	// guard float rounding on perfect squares
	for (rows+1)*(rows+1) <= n {
		rows++
	}
	for rows*rows > n {
		rows--
	}
	if rows == 0 {
		return 0, 0, fmt.Errorf("batch of %d values: %w", n, quant.ErrShapeMismatch)
	}
	cols := n / rows
	if rows*cols != n {
		return 0, 0, fmt.Errorf("batch of %d values is not %dx%d: %w", n, rows, n/rows, quant.ErrShapeMismatch)
	}
	return rows, cols, nil
}

// QuantizeBatch quantizes every batch concurrently and returns the
// dequantized values in input order. QAT batches run one after another so
// the result does not depend on scheduling. The first error aborts the
// call and no partial output is returned.
func (q *Quantizer) QuantizeBatch(ctx context.Context, req Request) ([]float32, error) {
	out, err := q.quantizeBatch(ctx, req)
	if err != nil {
		metrics.RecordQuantizeError("batch", quant.Kind(err))
		q.log.Warn("Batch quantization failed", "technique", req.Technique, "batches", req.BatchCount, "error", err)
		return nil, err
	}
	return out, nil
}

func (q *Quantizer) quantizeBatch(ctx context.Context, req Request) ([]float32, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	n := len(req.Weights) / req.BatchCount
	rows, cols, err := batchShape(n)
	if err != nil {
		return nil, err
	}
	blockSize := req.BlockSize
	if blockSize == 0 {
		blockSize = min(quant.DefaultBlockSize, rows)
	}
	cfg := quant.Config{
		Bits:      req.BitDepth,
		BlockSize: blockSize,
		Symmetric: strings.ToLower(req.Mode) == ModeSymmetric,
	}
	if err := cfg.Validate(rows); err != nil {
		return nil, err
	}

	lr := req.Adapter.LearningRate
	if lr == 0 {
		lr = adapter.DefaultLearningRate
	}
	opts := adapter.Options{
		Rank:           req.Adapter.Rank,
		CheckpointPath: req.Adapter.Checkpoint,
		QAT:            req.Adapter.QAT || req.Technique == TechniqueQAT,
		LearningRate:   lr,
	}

	out := make([]float32, len(req.Weights))
	runBatch := func(ctx context.Context, b int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		data := make([]float32, n)
		copy(data, req.Weights[b*n:(b+1)*n])
		weight := &quant.Tensor{Rows: rows, Cols: cols, Data: data}

		result, err := q.quantizeOne(weight, cfg, req.Technique, opts)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b, err)
		}
		copy(out[b*n:(b+1)*n], result.Data)
		metrics.RecordQuantizeDuration(req.Technique, time.Since(start))
		return nil
	}

	// Training batches read and write the same checkpoint, so they run in
	// input order and each one fuses the adapter its predecessor saved.
	if usesAdapter(req.Technique) && opts.QAT {
		for b := 0; b < req.BatchCount; b++ {
			if err := runBatch(ctx, b); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for b := 0; b < req.BatchCount; b++ {
		g.Go(func() error { return runBatch(gctx, b) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Quantizer) quantizeOne(weight *quant.Tensor, cfg quant.Config, technique string, opts adapter.Options) (*quant.Tensor, error) {
	if !usesAdapter(technique) {
		return quant.QuantizeDequantize(weight, cfg)
	}
	res, err := q.adapter.QuantizeWithAdapter(weight, cfg, opts)
	if err != nil {
		return nil, err
	}
	if res.PersistErr != nil {
		q.log.Warn("Quantized output kept, adapter checkpoint not updated", "checkpoint", opts.CheckpointPath, "error", res.PersistErr)
	}
	return res.Tensor, nil
}
