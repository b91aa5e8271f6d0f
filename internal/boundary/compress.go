package boundary

import (
	"fmt"

	"github.com/23skdu/longbow-precision/internal/transition"
)

// Compressor extracts persistent features from a result vector. Its
// algorithm lives outside this module.
type Compressor interface {
	Compress(data []float32, threshold float32) ([]float32, error)
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(data []float32, threshold float32) ([]float32, error)

func (f CompressorFunc) Compress(data []float32, threshold float32) ([]float32, error) {
	return f(data, threshold)
}

// CompressResult runs the compress stage. When a pipeline is given it
// must be at the infer stage; the move to compress is logged first.
func CompressResult(c Compressor, p *transition.Pipeline, data []float32, threshold float32) ([]float32, error) {
	if p != nil {
		if err := p.Advance(transition.Compress); err != nil {
			return nil, err
		}
	}
	out, err := c.Compress(data, threshold)
	if err != nil {
		return nil, fmt.Errorf("compress %d values: %w", len(data), err)
	}
	return out, nil
}
