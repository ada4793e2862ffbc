package util

import "math"

// Integer is the set of integer types the rounding helpers accept.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// RoundUp rounds x up to the next multiple of m.
func RoundUp[T Integer](x, m T) T {
	if m == 0 {
		return x
	}
	return ((x + m - 1) / m) * m
}

// RoundDown rounds x down to the previous multiple of m.
func RoundDown[T Integer](x, m T) T {
	if m == 0 {
		return x
	}
	return (x / m) * m
}

// DivRoundUp divides rounding towards positive infinity.
func DivRoundUp[T Integer](x, d T) T {
	return (x + d - 1) / d
}

// Clamp bounds x to [lo, hi].
func Clamp[T Integer](x, lo, hi T) T {
	return max(lo, min(x, hi))
}

// NextPowerOfTwo returns the smallest power of two not below x.
func NextPowerOfTwo(x uint32) uint32 {
	if x <= 1 {
		return 1
	}
	p := uint32(1)
	for p < x {
		p <<= 1
	}
	return p
}

// CalculateRescaleMultiplierAndShift expresses scale as mult * 2^-shift with
// a 16-bit multiplier normalised to [2^15, 2^16).
func CalculateRescaleMultiplierAndShift(scale float64) (mult uint16, shift uint16) {
	if scale <= 0 {
		return 0, 0
	}

	frac, exp := math.Frexp(scale)
	m := int64(math.Round(frac * (1 << 16)))
	s := 16 - exp
	if m == 1<<16 {
		m >>= 1
		s--
	}

	if s < 0 {
		// Saturate scales that do not fit the multiplier range.
		return math.MaxUint16, 0
	}
	if s > 63 {
		return 0, 0
	}

	return uint16(m), uint16(s)
}
