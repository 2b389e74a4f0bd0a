package fixedpoint

import (
	"fmt"
	"slices"
)

// Tensor is an immutable quantized tensor: a shape, a flat row-major array of
// raw fixed-point integers, and the format they are scaled in. Re-quantizing
// produces a new tensor; values are never mutated in place.
type Tensor struct {
	Shape  []int
	Values []int64
	Format Format
}

// NewTensor wraps already-quantized raw values. The element count must match
// the shape.
func NewTensor(shape []int, values []int64, f Format) (*Tensor, error) {
	if n := elems(shape); n != len(values) {
		return nil, fmt.Errorf("tensor shape %v wants %d values, have %d", shape, n, len(values))
	}
	return &Tensor{Shape: slices.Clone(shape), Values: values, Format: f}, nil
}

// QuantizeTensor quantizes a float tensor. The returned count is the number of
// elements that saturated at the format bounds; saturation is expected and
// observable only through this count.
func QuantizeTensor(values []float32, shape []int, f Format) (*Tensor, int, error) {
	if n := elems(shape); n != len(values) {
		return nil, 0, fmt.Errorf("tensor shape %v wants %d values, have %d", shape, n, len(values))
	}

	raw := make([]int64, len(values))
	var saturated int
	for i, v := range values {
		if float64(v) < f.Min() || float64(v) > f.Max() {
			saturated++
		}
		raw[i] = Quantize(float64(v), f)
	}

	return &Tensor{Shape: slices.Clone(shape), Values: raw, Format: f}, saturated, nil
}

// Elems is the total element count.
func (t *Tensor) Elems() int {
	return elems(t.Shape)
}

// At indexes the tensor in row-major order.
func (t *Tensor) At(idx ...int) int64 {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor rank %d indexed with %d indices", len(t.Shape), len(idx)))
	}
	flat := 0
	for i, v := range idx {
		flat = flat*t.Shape[i] + v
	}
	return t.Values[flat]
}

// Floats dequantizes the whole tensor.
func (t *Tensor) Floats() []float64 {
	out := make([]float64, len(t.Values))
	for i, v := range t.Values {
		out[i] = Dequantize(v, t.Format)
	}
	return out
}

func elems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
