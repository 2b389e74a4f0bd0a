package fixedpoint

import "math"

// Quantize converts a real value to its raw fixed-point integer. Out-of-range
// inputs saturate silently to the format bounds and NaN maps to zero; that is
// the hardware's behavior, so it is never reported as an error. Ties round
// away from zero.
func Quantize(v float64, f Format) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < f.Min() {
		v = f.Min()
	}
	if v > f.Max() {
		v = f.Max()
	}
	return roundHalfAway(v * float64(f.Scale()))
}

// Dequantize converts a raw integer back to a real value. The raw value must
// already be within the signed range for f.TotalBits; wider simulator values
// are reduced with FromTwosComplement first.
func Dequantize(raw int64, f Format) float64 {
	return float64(raw) / float64(f.Scale())
}

// ToTwosComplement encodes a signed integer in [-2^(bits-1), 2^(bits-1)-1] as
// its unsigned bit pattern.
func ToTwosComplement(raw int64, bits uint) uint64 {
	return uint64(raw) & (1<<bits - 1)
}

// FromTwosComplement is the inverse: an unsigned pattern with the top bit set
// decodes as negative.
func FromTwosComplement(u uint64, bits uint) int64 {
	if u&(1<<(bits-1)) != 0 {
		return int64(u) - int64(1)<<bits
	}
	return int64(u)
}

// RoundShift performs the hardware's rounding arithmetic right shift: half the
// divisor is added to the magnitude before shifting, so ties round away from
// zero for both signs. This matches a rounding adder in front of the shifter,
// the convention of the final hardware revision.
func RoundShift(acc int64, shift uint) int64 {
	if shift == 0 {
		return acc
	}
	half := int64(1) << (shift - 1)
	if acc < 0 {
		return -((-acc + half) >> shift)
	}
	return (acc + half) >> shift
}

// Saturate clamps a value to the signed range of the given bit width.
func Saturate(v int64, bits uint) int64 {
	max := int64(1)<<(bits-1) - 1
	min := -(int64(1) << (bits - 1))
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}

func roundHalfAway(v float64) int64 {
	if v < 0 {
		return -int64(-v + 0.5)
	}
	return int64(v + 0.5)
}
