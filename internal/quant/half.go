package quant

import "math"

// HalfPrecision realizes an FP16 decision: every value is rounded through
// IEEE-754 binary16 and widened back to float32.
func HalfPrecision(t *Tensor) *Tensor {
	out := &Tensor{Rows: t.Rows, Cols: t.Cols, Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = Float16ToFloat32(Float32ToFloat16(v))
	}
	return out
}

// Float16ToFloat32 widens binary16 bits.
func Float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	switch {
	case exp == 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: frac * 2^-24
		f := float32(frac) * float32(math.Pow(2, -24))
		if sign != 0 {
			f = -f
		}
		return f
	case exp == 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | ((exp + 112) << 23) | (frac << 13))
}

// Float32ToFloat16 narrows with round-to-nearest-even. Values past the
// binary16 range become infinities.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127 + 15
	if e >= 0x1F {
		return sign | 0x7C00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		// subnormal: shift the implicit-one mantissa into place
		m := mant | 0x800000
		shift := uint32(14 - e)
		half := m >> shift
		rem := m & ((1 << shift) - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	half := uint32(e)<<10 | mant>>13
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++ // may carry into the exponent, which is still correct
	}
	return sign | uint16(half)
}
