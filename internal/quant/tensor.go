package quant

import "fmt"

// Tensor is a dense row-major 2-D float32 matrix. Rows is the leading
// dimension that block quantization partitions.
type Tensor struct {
	Rows int
	Cols int
	Data []float32
}

// NewTensor wraps data without copying.
func NewTensor(rows, cols int, data []float32) (*Tensor, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("tensor %dx%d: %w", rows, cols, ErrShapeMismatch)
	}
	if rows*cols != len(data) {
		return nil, fmt.Errorf("tensor %dx%d needs %d values, got %d: %w", rows, cols, rows*cols, len(data), ErrShapeMismatch)
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}, nil
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// rowRange returns a view of rows [start, end).
func (t *Tensor) rowRange(start, end int) []float32 {
	return t.Data[start*t.Cols : end*t.Cols]
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Rows: t.Rows, Cols: t.Cols, Data: data}
}

// MaxAbsError is the largest element-wise difference between two equally
// shaped tensors.
func MaxAbsError(a, b *Tensor) float64 {
	var maxErr float64
	for i := range a.Data {
		d := float64(a.Data[i]) - float64(b.Data[i])
		if d < 0 {
			d = -d
		}
		if d > maxErr {
			maxErr = d
		}
	}
	return maxErr
}
