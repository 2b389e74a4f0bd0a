package coe

import (
	"fmt"

	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/nn"
)

// UnpackWord splits a word into its per-unit signed byte values, unit 0
// first. The word is stored MSB-first, so unit order is byte order.
func UnpackWord(word []byte) []int64 {
	out := make([]int64, len(word))
	for i, b := range word {
		out[i] = fixedpoint.FromTwosComplement(uint64(b), 8)
	}
	return out
}

// WeightColumn gathers, across all addresses, the byte belonging to one
// output unit and rebuilds that unit's fan-in weight tensor: (kernelH,
// kernelW, inChannels) for convolution, (inFeatures) for dense. This is the
// shape the reference engine accumulates over.
func WeightColumn(img *Image, layer nn.Layer, unit int, f fixedpoint.Format) (*fixedpoint.Tensor, error) {
	fanIn, fanOut := layer.FanIn(), layer.FanOut()
	if fanIn == 0 {
		return nil, fmt.Errorf("layer %s has no weights", layer.Name)
	}
	if unit < 0 || unit >= fanOut {
		return nil, fmt.Errorf("layer %s: unit %d out of range [0,%d)", layer.Name, unit, fanOut)
	}
	if img.AddressCount() != fanIn {
		return nil, fmt.Errorf("layer %s: image has %d addresses, want %d: %w", layer.Name, img.AddressCount(), fanIn, nn.ErrShapeMismatch)
	}
	if img.BitsPerWord != 8*fanOut {
		return nil, fmt.Errorf("layer %s: image words are %d bits, want %d: %w", layer.Name, img.BitsPerWord, 8*fanOut, nn.ErrShapeMismatch)
	}

	values := make([]int64, fanIn)
	for addr, word := range img.Words {
		values[addr] = fixedpoint.FromTwosComplement(uint64(word[unit]), 8)
	}

	shape := []int{layer.InFeatures}
	if layer.Kind == nn.Conv {
		shape = []int{layer.KernelH, layer.KernelW, layer.InChannels}
	}
	return fixedpoint.NewTensor(shape, values, f)
}

// Columns rebuilds the full weight tensor from an image, the inverse of Pack.
func Columns(img *Image, layer nn.Layer, f fixedpoint.Format) (*fixedpoint.Tensor, error) {
	fanIn, fanOut := layer.FanIn(), layer.FanOut()
	if img.AddressCount() != fanIn {
		return nil, fmt.Errorf("layer %s: image has %d addresses, want %d: %w", layer.Name, img.AddressCount(), fanIn, nn.ErrShapeMismatch)
	}
	if img.BitsPerWord != 8*fanOut {
		return nil, fmt.Errorf("layer %s: image words are %d bits, want %d: %w", layer.Name, img.BitsPerWord, 8*fanOut, nn.ErrShapeMismatch)
	}

	values := make([]int64, fanIn*fanOut)
	for addr, word := range img.Words {
		for unit, v := range UnpackWord(word) {
			values[addr*fanOut+unit] = v
		}
	}

	shape := []int{layer.InFeatures, layer.OutFeatures}
	if layer.Kind == nn.Conv {
		shape = []int{layer.KernelH, layer.KernelW, layer.InChannels, layer.OutChannels}
	}
	return fixedpoint.NewTensor(shape, values, f)
}

// BiasVector rebuilds a bias vector from a one-byte-per-address image.
func BiasVector(img *Image, layer nn.Layer, f fixedpoint.Format) (*fixedpoint.Tensor, error) {
	if img.AddressCount() != layer.FanOut() {
		return nil, fmt.Errorf("layer %s: bias image has %d addresses, want %d: %w", layer.Name, img.AddressCount(), layer.FanOut(), nn.ErrShapeMismatch)
	}

	values := make([]int64, img.AddressCount())
	for addr, word := range img.Words {
		// hand-padded bias files sometimes widen words; the value byte is the
		// least significant
		values[addr] = fixedpoint.FromTwosComplement(uint64(word[len(word)-1]), 8)
	}
	return fixedpoint.NewTensor([]int{len(values)}, values, f)
}

// ReverseWords returns a copy of the image with the byte order of every word
// reversed. It exists to repair images produced by tooling that packed
// LSB-first; the packer in this package always writes MSB-first.
func ReverseWords(img *Image) *Image {
	out := &Image{BitsPerWord: img.BitsPerWord}
	for _, word := range img.Words {
		rev := make([]byte, len(word))
		for i, b := range word {
			rev[len(word)-1-i] = b
		}
		out.Words = append(out.Words, rev)
	}
	return out
}
