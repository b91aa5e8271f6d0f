package adapter

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/quant"
	"github.com/gofrs/flock"
	cmap "github.com/orcaman/concurrent-map/v2"
	"gonum.org/v1/gonum/mat"
)

// DefaultLearningRate is the QAT step size when Options leaves it unset.
const DefaultLearningRate = 0.001

// LossFunc scores the dequantized fused weight and returns the loss and
// its gradient with respect to that weight (same shape).
type LossFunc func(q *mat.Dense) (float64, *mat.Dense)

// MeanSquareLoss is the default QAT objective, L = mean(q²), with
// gradient 2q/N.
func MeanSquareLoss(q *mat.Dense) (float64, *mat.Dense) {
	r, c := q.Dims()
	n := float64(r * c)
	var loss float64
	for i := 0; i < r; i++ {
		for _, v := range q.RawRowView(i) {
			loss += v * v
		}
	}
	var grad mat.Dense
	grad.Scale(2/n, q)
	return loss / n, &grad
}

type Options struct {
	Rank           int
	CheckpointPath string
	QAT            bool
	LearningRate   float64
	Loss           LossFunc
}

// Result carries the quantized fused weight. PersistErr is set when QAT ran
// and the quantization succeeded but the checkpoint could not be written.
type Result struct {
	Tensor     *quant.Tensor
	Quantized  *quant.Quantized
	Trained    bool
	Loss       float64
	PersistErr error
}

// Quantizer fuses LoRA adapters into weights before block quantization.
// Read-modify-write of a checkpoint is serialized per path, in process by
// a mutex registry and across processes by a lock file next to it.
type Quantizer struct {
	locks   cmap.ConcurrentMap[string, *sync.Mutex]
	persist func(path string, c *Checkpoint) error
	log     *logger.Logger
}

func NewQuantizer() *Quantizer {
	return &Quantizer{
		locks:   cmap.New[*sync.Mutex](),
		persist: SaveCheckpoint,
		log:     logger.Log.With("component", "adapter"),
	}
}

// lock acquires the in-process and on-disk locks for path.
func (q *Quantizer) lock(path string) (func(), error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}
	q.locks.SetIfAbsent(key, &sync.Mutex{})
	mu, _ := q.locks.Get(key)
	mu.Lock()

	fl := flock.New(key + ".lock")
	if err := fl.Lock(); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("lock checkpoint %s: %v: %w", path, err, quant.ErrIO)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			q.log.Warn("Failed to release checkpoint lock", "path", path, "error", err)
		}
		mu.Unlock()
	}, nil
}

// QuantizeWithAdapter fuses W + A·B, block-quantizes the result and, when
// opts.QAT is set, takes one straight-through gradient step on A and B and
// writes them back to the checkpoint. Errors are returned in step order
// and nothing is persisted on failure.
func (q *Quantizer) QuantizeWithAdapter(weight *quant.Tensor, cfg quant.Config, opts Options) (*Result, error) {
	start := time.Now()
	res, err := q.quantizeWithAdapter(weight, cfg, opts)
	if err != nil {
		metrics.RecordQuantizeError("adapter", quant.Kind(err))
		return nil, err
	}
	q.log.Debug("Adapter quantization complete",
		"checkpoint", opts.CheckpointPath,
		"rank", opts.Rank,
		"bits", cfg.Bits.String(),
		"qat", res.Trained,
		"loss", res.Loss,
		"duration", time.Since(start))
	return res, nil
}

func (q *Quantizer) quantizeWithAdapter(weight *quant.Tensor, cfg quant.Config, opts Options) (*Result, error) {
	if weight == nil || weight.Len() == 0 {
		return nil, fmt.Errorf("empty weight: %w", quant.ErrShapeMismatch)
	}

	loraCfg, err := LoadConfig(ConfigPath(opts.CheckpointPath))
	if err != nil {
		return nil, err
	}
	if loraCfg.R != opts.Rank {
		return nil, fmt.Errorf("adapter config r=%d, requested rank %d: %w", loraCfg.R, opts.Rank, quant.ErrRankMismatch)
	}

	if opts.QAT {
		unlock, err := q.lock(opts.CheckpointPath)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	ckpt, err := LoadCheckpoint(opts.CheckpointPath)
	if err != nil {
		return nil, err
	}
	ar, ac := ckpt.A.Dims()
	br, bc := ckpt.B.Dims()
	if ar != weight.Rows || ac != opts.Rank || br != opts.Rank || bc != weight.Cols {
		return nil, fmt.Errorf("checkpoint A=(%d,%d) B=(%d,%d), expected (%d,%d) and (%d,%d): %w",
			ar, ac, br, bc, weight.Rows, opts.Rank, opts.Rank, weight.Cols, quant.ErrShapeMismatch)
	}

	var fused mat.Dense
	fused.Mul(ckpt.A, ckpt.B)
	fused.Add(&fused, tensorToDense(weight))

	quantized, err := quant.Quantize(denseToTensor(&fused), cfg)
	if err != nil {
		return nil, err
	}
	res := &Result{Quantized: quantized, Tensor: quantized.Dequantize()}
	if !opts.QAT {
		return res, nil
	}

	lr := opts.LearningRate
	if lr == 0 {
		lr = DefaultLearningRate
	}
	lossFn := opts.Loss
	if lossFn == nil {
		lossFn = MeanSquareLoss
	}
	updated, loss, err := qatStep(ckpt, tensorToDense(res.Tensor), lossFn, lr)
	if err != nil {
		return nil, err
	}
	res.Trained = true
	res.Loss = loss
	metrics.RecordQATLoss(loss)

	// persisting is a separate outcome from the quantized output
	res.PersistErr = q.persist(opts.CheckpointPath, updated)
	metrics.RecordCheckpointWrite(res.PersistErr)
	if res.PersistErr != nil {
		q.log.Error("Failed to persist adapter checkpoint", "path", opts.CheckpointPath, "error", res.PersistErr)
	}
	return res, nil
}

// qatStep applies one straight-through estimator step. Quantization is
// treated as identity in the backward pass, so the gradient of the loss at
// the dequantized weight flows unchanged to fused = W + A·B:
// ∂L/∂A = G·Bᵀ, ∂L/∂B = Aᵀ·G.
func qatStep(ckpt *Checkpoint, dequant *mat.Dense, lossFn LossFunc, lr float64) (*Checkpoint, float64, error) {
	loss, grad := lossFn(dequant)
	r, c := dequant.Dims()
	if grad == nil {
		return nil, 0, fmt.Errorf("loss returned no gradient for (%d,%d) weight: %w", r, c, quant.ErrShapeMismatch)
	}
	if gr, gc := grad.Dims(); gr != r || gc != c {
		return nil, 0, fmt.Errorf("loss gradient (%d,%d), weight (%d,%d): %w", gr, gc, r, c, quant.ErrShapeMismatch)
	}

	var gradA, gradB mat.Dense
	gradA.Mul(grad, ckpt.B.T())
	gradB.Mul(ckpt.A.T(), grad)

	var a, b mat.Dense
	gradA.Scale(lr, &gradA)
	gradB.Scale(lr, &gradB)
	a.Sub(ckpt.A, &gradA)
	b.Sub(ckpt.B, &gradB)

	return &Checkpoint{A: &a, B: &b, DType: ckpt.DType}, loss, nil
}

func tensorToDense(t *quant.Tensor) *mat.Dense {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Rows, t.Cols, data)
}

func denseToTensor(m *mat.Dense) *quant.Tensor {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			data = append(data, float32(v))
		}
	}
	return &quant.Tensor{Rows: r, Cols: c, Data: data}
}
