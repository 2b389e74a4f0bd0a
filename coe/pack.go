package coe

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/nn"
)

// Pack serializes a quantized weight tensor into a memory image.
//
// Convolution weights must be shaped (kernelH, kernelW, inChannels,
// outChannels) channel-last; the address for kernel position (kr, kc) and
// input channel ch is (kr*kernelW+kc)*inChannels + ch. Dense weights must be
// shaped (inFeatures, outFeatures) input-major; the address is the input
// feature index. At every address the word holds all fan-out values,
// MSB-first: output unit 0 in the most significant byte.
//
// Layers without learned parameters (pooling) produce a nil image.
func Pack(weights *fixedpoint.Tensor, layer nn.Layer) (*Image, error) {
	switch layer.Kind {
	case nn.Conv:
		want := []int{layer.KernelH, layer.KernelW, layer.InChannels, layer.OutChannels}
		if err := checkShape(weights, want, layer); err != nil {
			return nil, err
		}
	case nn.Dense:
		want := []int{layer.InFeatures, layer.OutFeatures}
		if err := checkShape(weights, want, layer); err != nil {
			return nil, err
		}
	case nn.MaxPool:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot pack %s layer %s", layer.Kind, layer.Name)
	}

	if bits := weights.Format.TotalBits(); bits > 8 {
		return nil, fmt.Errorf("layer %s: %s values are %d bits, words pack one byte per unit", layer.Name, weights.Format, bits)
	}

	fanIn, fanOut := layer.FanIn(), layer.FanOut()
	img := &Image{BitsPerWord: 8 * fanOut}
	for addr := 0; addr < fanIn; addr++ {
		word := make([]byte, fanOut)
		for unit := 0; unit < fanOut; unit++ {
			word[unit] = byte(fixedpoint.ToTwosComplement(weights.Values[addr*fanOut+unit], 8))
		}
		img.Words = append(img.Words, word)
	}

	return img, nil
}

// PackBias serializes a bias vector: one address per output unit, one byte
// per address.
func PackBias(bias *fixedpoint.Tensor, layer nn.Layer) (*Image, error) {
	if layer.Kind == nn.MaxPool {
		return nil, nil
	}
	if err := checkShape(bias, []int{layer.FanOut()}, layer); err != nil {
		return nil, err
	}
	if bits := bias.Format.TotalBits(); bits > 8 {
		return nil, fmt.Errorf("layer %s: %s biases are %d bits, want at most 8", layer.Name, bias.Format, bits)
	}

	img := &Image{BitsPerWord: 8}
	for _, v := range bias.Values {
		img.Words = append(img.Words, []byte{byte(fixedpoint.ToTwosComplement(v, 8))})
	}
	return img, nil
}

// TransposeDense reorders a dense weight matrix from the training export's
// (outFeatures, inFeatures) layout to the (inFeatures, outFeatures) layout
// packing and reference arithmetic use.
func TransposeDense(values []float32, outFeatures, inFeatures int) ([]float32, error) {
	if len(values) != outFeatures*inFeatures {
		return nil, fmt.Errorf("dense weights: %d values, want %d*%d", len(values), outFeatures, inFeatures)
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(outFeatures, inFeatures), tensor.WithBacking(values))
	tt, err := tensor.Transpose(tt, 1, 0)
	if err != nil {
		return nil, err
	}

	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return nil, err
	}

	return native.VectorF32(tt.(*tensor.Dense))
}

func checkShape(t *fixedpoint.Tensor, want []int, layer nn.Layer) error {
	if len(t.Shape) != len(want) {
		return fmt.Errorf("layer %s: tensor shape %v, want %v: %w", layer.Name, t.Shape, want, nn.ErrShapeMismatch)
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return fmt.Errorf("layer %s: tensor shape %v, want %v: %w", layer.Name, t.Shape, want, nn.ErrShapeMismatch)
		}
	}
	return nil
}
