package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-precision/internal/precision"
)

func randomTensor(t *testing.T, rng *rand.Rand, rows, cols int, spread float64) *Tensor {
	t.Helper()
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * spread)
	}
	// outliers in a few rows to exercise per-block scaling
	data[0] = float32(spread * 10)
	tensor, err := NewTensor(rows, cols, data)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	return tensor
}

// checkBound asserts |orig - deq| <= scale/2 for every element of every block.
func checkBound(t *testing.T, orig *Tensor, q *Quantized) {
	t.Helper()
	deq := q.Dequantize()
	if deq.Rows != orig.Rows || deq.Cols != orig.Cols {
		t.Fatalf("shape changed: %dx%d -> %dx%d", orig.Rows, orig.Cols, deq.Rows, deq.Cols)
	}
	maxAbsError := 0.0
	for b := 0; b < q.NumBlocks(); b++ {
		start, end := q.BlockRange(b)
		scale := float64(q.Scales[b])
		for i := start * orig.Cols; i < end*orig.Cols; i++ {
			diff := math.Abs(float64(orig.Data[i]) - float64(deq.Data[i]))
			// float32 storage adds at most a few ulps on top of the rounding bound
			tol := scale/2 + 1e-6*math.Max(1, math.Abs(float64(orig.Data[i])))
			if diff > tol {
				t.Fatalf("block %d index %d: orig=%f deq=%f err=%g > scale/2=%g", b, i, orig.Data[i], deq.Data[i], diff, scale/2)
			}
			if diff > maxAbsError {
				maxAbsError = diff
			}
		}
	}
	t.Logf("blocks=%d max_abs_error=%.6f", q.NumBlocks(), maxAbsError)
}

func TestQuantizeRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, bits := range []precision.BitDepth{precision.INT4, precision.INT8} {
		for _, symmetric := range []bool{true, false} {
			for _, blockSize := range []int{1, 5, 16, 37} {
				cfg := Config{Bits: bits, BlockSize: blockSize, Symmetric: symmetric}
				name := bits.String()
				if symmetric {
					name += "/sym"
				} else {
					name += "/asym"
				}
				t.Run(name, func(t *testing.T) {
					tensor := randomTensor(t, rng, 37, 6, 2.5)
					q, err := Quantize(tensor, cfg)
					if err != nil {
						t.Fatalf("Quantize: %v", err)
					}
					checkBound(t, tensor, q)
				})
			}
		}
	}
}

func TestQuantize64x8Int8Symmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]float32, 64*8)
	for i := range data {
		// each 16-row block gets a different magnitude
		block := (i / 8) / 16
		data[i] = float32((rng.Float64()*2 - 1) * float64(block+1))
	}
	tensor, err := NewTensor(64, 8, data)
	if err != nil {
		t.Fatal(err)
	}

	q, err := Quantize(tensor, Config{Bits: precision.INT8, BlockSize: 16, Symmetric: true})
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if q.NumBlocks() != 4 {
		t.Fatalf("expected 4 blocks, got %d", q.NumBlocks())
	}

	for b := 0; b < 4; b++ {
		start, end := q.BlockRange(b)
		if end-start != 16 {
			t.Errorf("block %d has %d rows, want 16", b, end-start)
		}
		var maxAbs float64
		for _, v := range tensor.rowRange(start, end) {
			maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
		}
		want := float32(maxAbs / 127)
		if q.Scales[b] != want {
			t.Errorf("block %d scale = %g, want %g", b, q.Scales[b], want)
		}
	}
	for _, c := range q.Codes {
		if c < -127 || c > 127 {
			t.Fatalf("code %d outside int8 symmetric range", c)
		}
	}
	checkBound(t, tensor, q)
}

func TestQuantizeCodeRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tensor := randomTensor(t, rng, 32, 4, 1)

	tests := []struct {
		bits      precision.BitDepth
		symmetric bool
		lo, hi    int16
	}{
		{precision.INT4, true, -7, 7},
		{precision.INT4, false, 0, 15},
		{precision.INT8, true, -127, 127},
		{precision.INT8, false, 0, 255},
	}
	for _, tt := range tests {
		q, err := Quantize(tensor, Config{Bits: tt.bits, BlockSize: 8, Symmetric: tt.symmetric})
		if err != nil {
			t.Fatal(err)
		}
		var seenLo, seenHi bool
		for _, c := range q.Codes {
			if c < tt.lo || c > tt.hi {
				t.Fatalf("%v sym=%v: code %d outside [%d,%d]", tt.bits, tt.symmetric, c, tt.lo, tt.hi)
			}
			seenLo = seenLo || c == tt.lo
			seenHi = seenHi || c == tt.hi
		}
		if !tt.symmetric && (!seenLo || !seenHi) {
			t.Errorf("%v asymmetric: expected both range ends to be used", tt.bits)
		}
	}
}

func TestQuantizeLastBlockShorter(t *testing.T) {
	tensor, _ := NewTensor(10, 2, make([]float32, 20))
	for i := range tensor.Data {
		tensor.Data[i] = float32(i) - 10
	}
	q, err := Quantize(tensor, Config{Bits: precision.INT8, BlockSize: 4, Symmetric: false})
	if err != nil {
		t.Fatal(err)
	}
	if q.NumBlocks() != 3 {
		t.Fatalf("expected 3 blocks, got %d", q.NumBlocks())
	}
	if start, end := q.BlockRange(2); start != 8 || end != 10 {
		t.Errorf("last block = [%d,%d), want [8,10)", start, end)
	}
	checkBound(t, tensor, q)
}

func TestQuantizeConstantBlock(t *testing.T) {
	data := []float32{3, 3, 3, 3, 0, 0, 0, 0}
	tensor, _ := NewTensor(4, 2, data)
	for _, symmetric := range []bool{true, false} {
		deq, err := QuantizeDequantize(tensor, Config{Bits: precision.INT4, BlockSize: 2, Symmetric: symmetric})
		if err != nil {
			t.Fatal(err)
		}
		if got := MaxAbsError(tensor, deq); got > 1e-6 {
			t.Errorf("symmetric=%v: constant blocks should round trip, err=%g", symmetric, got)
		}
	}
}

func TestQuantizeErrors(t *testing.T) {
	tensor, _ := NewTensor(4, 2, make([]float32, 8))
	tests := []struct {
		name string
		t    *Tensor
		cfg  Config
		want error
	}{
		{"fp16 not integer", tensor, Config{Bits: precision.FP16, BlockSize: 2}, ErrUnsupportedPrecision},
		{"bits 3", tensor, Config{Bits: 3, BlockSize: 2}, ErrUnsupportedPrecision},
		{"zero block", tensor, Config{Bits: precision.INT8, BlockSize: 0}, ErrInvalidConfig},
		{"block too large", tensor, Config{Bits: precision.INT8, BlockSize: 5}, ErrInvalidConfig},
		{"empty", &Tensor{}, Config{Bits: precision.INT8, BlockSize: 1}, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Quantize(tt.t, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewTensorShape(t *testing.T) {
	if _, err := NewTensor(3, 3, make([]float32, 10)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if _, err := NewTensor(0, 3, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch for zero rows, got %v", err)
	}
}

func TestStorageBytes(t *testing.T) {
	tensor, _ := NewTensor(64, 8, make([]float32, 512))
	q4, _ := Quantize(tensor, Config{Bits: precision.INT4, BlockSize: 16, Symmetric: true})
	q8, _ := Quantize(tensor, Config{Bits: precision.INT8, BlockSize: 16, Symmetric: false})
	if got := q4.StorageBytes(); got != 256+4*4 {
		t.Errorf("int4 storage = %d, want %d", got, 256+16)
	}
	if got := q8.StorageBytes(); got != 512+8*4 {
		t.Errorf("int8 storage = %d, want %d", got, 512+32)
	}
}
