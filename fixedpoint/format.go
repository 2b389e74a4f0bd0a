// Package fixedpoint implements the signed Qm.n fixed-point encoding used by
// the hardware: m integer bits, n fractional bits, one sign bit, stored as a
// two's-complement integer scaled by 2^n.
package fixedpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Format describes one Qm.n encoding. Immutable; construct once and share.
type Format struct {
	IntegerBits    uint
	FractionalBits uint
}

// Q1p6 is the weight and activation format the hardware uses throughout.
var Q1p6 = Format{IntegerBits: 1, FractionalBits: 6}

// ParseFormat parses a "Qm.n" string, e.g. "Q1.6".
func ParseFormat(s string) (Format, error) {
	rest, ok := strings.CutPrefix(s, "Q")
	if !ok {
		return Format{}, fmt.Errorf("invalid fixed-point format %q", s)
	}

	m, n, ok := strings.Cut(rest, ".")
	if !ok {
		return Format{}, fmt.Errorf("invalid fixed-point format %q", s)
	}

	ibits, err := strconv.ParseUint(m, 10, 8)
	if err != nil {
		return Format{}, fmt.Errorf("invalid fixed-point format %q: %w", s, err)
	}

	fbits, err := strconv.ParseUint(n, 10, 8)
	if err != nil {
		return Format{}, fmt.Errorf("invalid fixed-point format %q: %w", s, err)
	}

	return Format{IntegerBits: uint(ibits), FractionalBits: uint(fbits)}, nil
}

func (f Format) String() string {
	return fmt.Sprintf("Q%d.%d", f.IntegerBits, f.FractionalBits)
}

// TotalBits is the stored width including the sign bit.
func (f Format) TotalBits() uint {
	return f.IntegerBits + f.FractionalBits + 1
}

// Scale is the divisor between the raw integer and the real value.
func (f Format) Scale() int64 {
	return 1 << f.FractionalBits
}

// Min is the smallest representable real value, -2^m.
func (f Format) Min() float64 {
	return -float64(int64(1) << f.IntegerBits)
}

// Max is the largest representable real value, 2^m - 2^-n.
func (f Format) Max() float64 {
	return float64(int64(1)<<f.IntegerBits) - 1/float64(f.Scale())
}

// MinRaw is the smallest raw integer, -2^(total-1).
func (f Format) MinRaw() int64 {
	return -(int64(1) << (f.TotalBits() - 1))
}

// MaxRaw is the largest raw integer, 2^(total-1)-1.
func (f Format) MaxRaw() int64 {
	return int64(1)<<(f.TotalBits()-1) - 1
}
