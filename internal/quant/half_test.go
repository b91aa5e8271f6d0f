package quant

import (
	"math"
	"testing"
)

func TestFloat16Exact(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 2, 65504, -65504, 0.099975586, 6.1035156e-05, 5.9604645e-08}
	for _, v := range values {
		if got := Float16ToFloat32(Float32ToFloat16(v)); got != v {
			t.Errorf("%g: round trip gave %g", v, got)
		}
	}
}

func TestFloat16Special(t *testing.T) {
	if got := Float16ToFloat32(Float32ToFloat16(float32(math.Inf(1)))); !math.IsInf(float64(got), 1) {
		t.Errorf("+Inf became %g", got)
	}
	if got := Float16ToFloat32(Float32ToFloat16(1e6)); !math.IsInf(float64(got), 1) {
		t.Errorf("overflow should saturate to +Inf, got %g", got)
	}
	if got := Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Errorf("NaN became %g", got)
	}
	if got := Float32ToFloat16(1e-10); got != 0 {
		t.Errorf("underflow should flush to zero, got %#x", got)
	}
}

func TestHalfPrecisionRelativeError(t *testing.T) {
	data := []float32{3.14159265, -2.71828, 1234.5678, 0.001234, -0.333333, 42}
	tensor, _ := NewTensor(2, 3, data)
	half := HalfPrecision(tensor)
	for i, v := range data {
		rel := math.Abs(float64(half.Data[i]-v)) / math.Abs(float64(v))
		// 11 significant bits: relative error <= 2^-11
		if rel > 1.0/2048 {
			t.Errorf("index %d: %g -> %g rel_err=%g", i, v, half.Data[i], rel)
		}
	}
}
