package adapter

import (
	"fmt"

	"github.com/23skdu/longbow-precision/internal/quant"
	"gonum.org/v1/gonum/mat"
)

// Tensor names inside adapter_model.safetensors.
const (
	TensorA = "lora_A"
	TensorB = "lora_B"
)

// Checkpoint holds the low-rank factors: A is rows×rank, B is rank×cols.
type Checkpoint struct {
	A     *mat.Dense
	B     *mat.Dense
	DType string
}

// Rank is the shared inner dimension, or -1 when A and B disagree.
func (c *Checkpoint) Rank() int {
	_, ac := c.A.Dims()
	br, _ := c.B.Dims()
	if ac != br {
		return -1
	}
	return ac
}

// LoadCheckpoint reads lora_A and lora_B. Unreadable or malformed files wrap ErrIO.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	tensors, err := readSafetensors(path, TensorA, TensorB)
	if err != nil {
		return nil, err
	}
	a, b := tensors[TensorA], tensors[TensorB]
	if a.shape[0] == 0 || a.shape[1] == 0 || b.shape[0] == 0 || b.shape[1] == 0 {
		return nil, fmt.Errorf("checkpoint %s: empty factor A%v B%v: %w", path, a.shape, b.shape, quant.ErrIO)
	}
	if a.shape[1] != b.shape[0] {
		return nil, fmt.Errorf("checkpoint %s: A%v B%v inner dims differ: %w", path, a.shape, b.shape, quant.ErrShapeMismatch)
	}
	return &Checkpoint{
		A:     mat.NewDense(a.shape[0], a.shape[1], a.data),
		B:     mat.NewDense(b.shape[0], b.shape[1], b.data),
		DType: a.dtype,
	}, nil
}

// SaveCheckpoint atomically replaces path with c, in c.DType (F32 when unset).
func SaveCheckpoint(path string, c *Checkpoint) error {
	dtype := c.DType
	if dtype == "" {
		dtype = DTypeF32
	}
	data, err := encodeSafetensors(map[string]*rawTensor{
		TensorA: denseToRaw(c.A, dtype),
		TensorB: denseToRaw(c.B, dtype),
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %v: %w", path, err, quant.ErrIO)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write checkpoint %s: %v: %w", path, err, quant.ErrIO)
	}
	return nil
}

func denseToRaw(m *mat.Dense, dtype string) *rawTensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return &rawTensor{dtype: dtype, shape: []int{r, c}, data: data}
}
