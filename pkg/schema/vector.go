package schema

import (
	"fmt"
	"math"
)

// Normalize scales v to unit L2 norm in place and returns it. Zero
// vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// EncodeVector validates the embedding against the column dtype,
// L2-normalizes a copy, and quantizes through half precision for f16
// columns. The input slice is not mutated.
func EncodeVector(v []float32, d DType) ([]float32, error) {
	if d.Kind != DTypeVector {
		return nil, fmt.Errorf("dtype %s is not a vector type", d)
	}
	if d.Len > 0 && len(v) != d.Len {
		return nil, fmt.Errorf("embedding length %d does not match dtype %s", len(v), d)
	}
	out := make([]float32, len(v))
	copy(out, v)
	Normalize(out)
	if d.Elem == VectorF16 {
		for i := range out {
			out[i] = Float16From(Float16Bits(out[i]))
		}
	}
	return out, nil
}

// Float16Bits converts f to IEEE 754 half-precision bits with
// round-to-nearest-even.
func Float16Bits(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b >> 16 & 0x8000)
	exp := int32(b >> 23 & 0xff)
	mant := b & 0x007fffff

	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}

	e := exp - 127 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := mant | 0x00800000
		shift := uint32(14 - e)
		half := uint16(m >> shift)
		round := uint32(1) << (shift - 1)
		if m&round != 0 && (m&(round-1) != 0 || half&1 != 0) {
			half++
		}
		return sign | half
	}

	half := sign | uint16(e)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 && (mant&0x0fff != 0 || half&1 != 0) {
		half++
	}
	return half
}

// Float16From restores a float32 from half-precision bits.
func Float16From(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		if mant == 0 {
			return math.Float32frombits(sign | 0x7f800000)
		}
		return math.Float32frombits(sign | 0x7fc00000)
	}
	return math.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
}
