package quant

import "errors"

// Error taxonomy shared by the quantization, adapter and boundary layers.
// Wrap with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	ErrConfig               = errors.New("adapter config error")
	ErrRankMismatch         = errors.New("rank mismatch")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrUnsupportedPrecision = errors.New("unsupported precision")
	ErrIO                   = errors.New("io error")
	ErrUnsupportedTechnique = errors.New("unsupported technique")
	ErrInvalidBatching      = errors.New("invalid batching")
	ErrInvalidConfig        = errors.New("invalid quantization config")
)

// Kind returns a short label for err suitable for metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrRankMismatch):
		return "rank_mismatch"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrUnsupportedPrecision):
		return "unsupported_precision"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrUnsupportedTechnique):
		return "unsupported_technique"
	case errors.Is(err, ErrInvalidBatching):
		return "invalid_batching"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "other"
	}
}
