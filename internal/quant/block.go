package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
)

// DefaultBlockSize is used by callers that leave the block size unset.
const DefaultBlockSize = 128

// Config parameterizes one block quantization call.
type Config struct {
	Bits      precision.BitDepth
	BlockSize int
	Symmetric bool
}

// Validate checks cfg against a tensor with the given number of rows.
func (c Config) Validate(rows int) error {
	if !c.Bits.IsInteger() {
		return fmt.Errorf("bit depth %d: %w", uint8(c.Bits), ErrUnsupportedPrecision)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size %d must be positive: %w", c.BlockSize, ErrInvalidConfig)
	}
	if c.BlockSize > rows {
		return fmt.Errorf("block size %d exceeds leading dimension %d: %w", c.BlockSize, rows, ErrInvalidConfig)
	}
	return nil
}

// Quantized holds integer codes plus one scale (and, in asymmetric mode,
// one offset) per block of rows.
type Quantized struct {
	Rows      int
	Cols      int
	Bits      precision.BitDepth
	BlockSize int
	Symmetric bool
	Codes     []int16
	Scales    []float32
	Offsets   []float32 // per-block minimum, asymmetric only
}

// NumBlocks is ceil(rows / blockSize).
func (q *Quantized) NumBlocks() int {
	return len(q.Scales)
}

// BlockRange returns the row range [start, end) of block i.
func (q *Quantized) BlockRange(i int) (int, int) {
	start := i * q.BlockSize
	end := start + q.BlockSize
	if end > q.Rows {
		end = q.Rows
	}
	return start, end
}

// StorageBytes is the packed size: codes at the target width plus
// per-block scale and offset.
func (q *Quantized) StorageBytes() int {
	perBlock := 4
	if !q.Symmetric {
		perBlock = 8
	}
	codeBits := len(q.Codes) * int(q.Bits)
	return (codeBits+7)/8 + perBlock*q.NumBlocks()
}

// levels returns the largest representable code magnitude for the mode.
func levels(bits precision.BitDepth, symmetric bool) int {
	if symmetric {
		return 1<<(bits-1) - 1
	}
	return 1<<bits - 1
}

// Quantize block-quantizes t. Each block of BlockSize rows gets its own
// scale so outliers only affect the block that contains them.
func Quantize(t *Tensor, cfg Config) (*Quantized, error) {
	if t == nil || t.Len() == 0 {
		return nil, fmt.Errorf("empty tensor: %w", ErrShapeMismatch)
	}
	if err := cfg.Validate(t.Rows); err != nil {
		return nil, err
	}

	numBlocks := (t.Rows + cfg.BlockSize - 1) / cfg.BlockSize
	q := &Quantized{
		Rows:      t.Rows,
		Cols:      t.Cols,
		Bits:      cfg.Bits,
		BlockSize: cfg.BlockSize,
		Symmetric: cfg.Symmetric,
		Codes:     make([]int16, t.Len()),
		Scales:    make([]float32, numBlocks),
	}
	if !cfg.Symmetric {
		q.Offsets = make([]float32, numBlocks)
	}

	maxLevel := levels(cfg.Bits, cfg.Symmetric)
	for b := 0; b < numBlocks; b++ {
		start, end := q.BlockRange(b)
		block := t.rowRange(start, end)
		codes := q.Codes[start*t.Cols : end*t.Cols]
		if cfg.Symmetric {
			q.Scales[b] = quantizeSymmetric(block, codes, maxLevel)
		} else {
			q.Scales[b], q.Offsets[b] = quantizeAsymmetric(block, codes, maxLevel)
		}
	}

	metrics.RecordQuantize(int(cfg.Bits), cfg.Symmetric, numBlocks, MaxAbsError(t, q.Dequantize()))
	return q, nil
}

func quantizeSymmetric(block []float32, codes []int16, maxLevel int) float32 {
	var maxAbs float64
	for _, v := range block {
		a := math.Abs(float64(v))
		if a > maxAbs {
			maxAbs = a
		}
	}
	scale := float32(maxAbs / float64(maxLevel))
	if scale == 0 {
		return 0
	}
	s := float64(scale)
	for i, v := range block {
		codes[i] = int16(clamp(math.Round(float64(v)/s), -maxLevel, maxLevel))
	}
	return scale
}

func quantizeAsymmetric(block []float32, codes []int16, maxLevel int) (float32, float32) {
	minVal, maxVal := block[0], block[0]
	for _, v := range block[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	scale := float32((float64(maxVal) - float64(minVal)) / float64(maxLevel))
	if scale == 0 {
		return 0, minVal
	}
	s := float64(scale)
	for i, v := range block {
		codes[i] = int16(clamp(math.Round((float64(v)-float64(minVal))/s), 0, maxLevel))
	}
	return scale, minVal
}

func clamp(v float64, lo, hi int) float64 {
	if v < float64(lo) {
		return float64(lo)
	}
	if v > float64(hi) {
		return float64(hi)
	}
	return v
}

// Dequantize materializes the float tensor the codes represent. Downstream
// float-only consumers read this form.
func (q *Quantized) Dequantize() *Tensor {
	out := &Tensor{Rows: q.Rows, Cols: q.Cols, Data: make([]float32, len(q.Codes))}
	for b := 0; b < q.NumBlocks(); b++ {
		start, end := q.BlockRange(b)
		s := float64(q.Scales[b])
		var off float64
		if !q.Symmetric {
			off = float64(q.Offsets[b])
		}
		for i := start * q.Cols; i < end*q.Cols; i++ {
			out.Data[i] = float32(off + float64(q.Codes[i])*s)
		}
	}
	return out
}

// QuantizeDequantize runs the quantize/dequantize round trip and returns
// the float form.
func QuantizeDequantize(t *Tensor, cfg Config) (*Tensor, error) {
	q, err := Quantize(t, cfg)
	if err != nil {
		return nil, err
	}
	return q.Dequantize(), nil
}
