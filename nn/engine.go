package nn

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/cnnfpga/coeverify/fixedpoint"
)

// ErrShapeMismatch reports tensor dimensions that disagree with a layer
// descriptor. It is fatal: the engine never proceeds on guessed shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// Engine computes, in exact integer arithmetic, what the fixed-point
// multiply-accumulate pipeline produces for one layer. Per output unit it
// accumulates input*weight products at squared scale in a wide accumulator,
// adds the bias rescaled by one extra scale factor, optionally saturates the
// accumulator to AccumBits (the hardware's intermediate register width),
// applies the rounding shift back to single scale, saturates to OutputBits,
// and applies ReLU if the layer asks for it.
type Engine struct {
	// Format is the fixed-point format of inputs, weights and biases.
	Format fixedpoint.Format

	// AccumBits, when nonzero, saturates the accumulator after the bias add
	// and before the rounding shift, matching a bounded accumulator register.
	// Zero keeps the full-width sum.
	AccumBits uint

	// OutputBits is the signed width of the final value, 8 if zero.
	OutputBits uint

	// Workers bounds the per-filter parallelism for convolution. Each filter's
	// outputs are independent, so ordering never matters. Defaults to
	// GOMAXPROCS.
	Workers int
}

func (e *Engine) outputBits() uint {
	if e.OutputBits == 0 {
		return 8
	}
	return e.OutputBits
}

// checkOutputWidth rejects configurations whose output word cannot hold the
// fractional bits plus a sign bit.
func (e *Engine) checkOutputWidth() error {
	if e.outputBits() < e.Format.FractionalBits+1 {
		return fmt.Errorf("output width %d cannot hold %d fractional bits and a sign", e.outputBits(), e.Format.FractionalBits)
	}
	return nil
}

// outputFormat keeps the fractional split and widens or narrows the integer
// part to the configured output width. Only valid after checkOutputWidth.
func (e *Engine) outputFormat() fixedpoint.Format {
	return fixedpoint.Format{
		IntegerBits:    e.outputBits() - e.Format.FractionalBits - 1,
		FractionalBits: e.Format.FractionalBits,
	}
}

// finalize runs one accumulator through the back half of the pipeline.
func (e *Engine) finalize(acc, bias int64, relu bool) int64 {
	acc += bias * e.Format.Scale()
	if e.AccumBits > 0 {
		acc = fixedpoint.Saturate(acc, e.AccumBits)
	}
	v := fixedpoint.RoundShift(acc, e.Format.FractionalBits)
	v = fixedpoint.Saturate(v, e.outputBits())
	if relu && v < 0 {
		return 0
	}
	return v
}

// Conv2D computes a valid-only stride-1 convolution. The input is (H, W, C)
// channel-last, weights are (kh, kw, in, out), bias is (out) and may be nil.
func (e *Engine) Conv2D(input, weights, bias *fixedpoint.Tensor, layer Layer) (*fixedpoint.Tensor, error) {
	if err := e.checkOutputWidth(); err != nil {
		return nil, err
	}
	if layer.Kind != Conv {
		return nil, fmt.Errorf("layer %s is %s, not conv: %w", layer.Name, layer.Kind, ErrShapeMismatch)
	}
	if len(input.Shape) != 3 || input.Shape[2] != layer.InChannels {
		return nil, fmt.Errorf("conv %s: input shape %v, want (H, W, %d): %w", layer.Name, input.Shape, layer.InChannels, ErrShapeMismatch)
	}
	wantW := []int{layer.KernelH, layer.KernelW, layer.InChannels, layer.OutChannels}
	if !shapeEq(weights.Shape, wantW) {
		return nil, fmt.Errorf("conv %s: weight shape %v, want %v: %w", layer.Name, weights.Shape, wantW, ErrShapeMismatch)
	}
	biases, err := biasValues(bias, layer)
	if err != nil {
		return nil, err
	}

	outH := input.Shape[0] - layer.KernelH + 1
	outW := input.Shape[1] - layer.KernelW + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv %s: input %v smaller than kernel: %w", layer.Name, input.Shape, ErrShapeMismatch)
	}

	out := make([]int64, outH*outW*layer.OutChannels)

	var g errgroup.Group
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for f := 0; f < layer.OutChannels; f++ {
		g.Go(func() error {
			for r := 0; r < outH; r++ {
				for c := 0; c < outW; c++ {
					var acc int64
					for kr := 0; kr < layer.KernelH; kr++ {
						for kc := 0; kc < layer.KernelW; kc++ {
							for ch := 0; ch < layer.InChannels; ch++ {
								acc += input.At(r+kr, c+kc, ch) * weights.At(kr, kc, ch, f)
							}
						}
					}
					out[(r*outW+c)*layer.OutChannels+f] = e.finalize(acc, biases[f], layer.ReLU)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fixedpoint.NewTensor([]int{outH, outW, layer.OutChannels}, out, e.outputFormat())
}

// Dense computes a fully connected layer. The input is flat (in), weights are
// (in, out) input-major, bias is (out) and may be nil.
func (e *Engine) Dense(input, weights, bias *fixedpoint.Tensor, layer Layer) (*fixedpoint.Tensor, error) {
	if err := e.checkOutputWidth(); err != nil {
		return nil, err
	}
	if layer.Kind != Dense {
		return nil, fmt.Errorf("layer %s is %s, not dense: %w", layer.Name, layer.Kind, ErrShapeMismatch)
	}
	if input.Elems() != layer.InFeatures {
		return nil, fmt.Errorf("dense %s: %d inputs, want %d: %w", layer.Name, input.Elems(), layer.InFeatures, ErrShapeMismatch)
	}
	wantW := []int{layer.InFeatures, layer.OutFeatures}
	if !shapeEq(weights.Shape, wantW) {
		return nil, fmt.Errorf("dense %s: weight shape %v, want %v: %w", layer.Name, weights.Shape, wantW, ErrShapeMismatch)
	}
	biases, err := biasValues(bias, layer)
	if err != nil {
		return nil, err
	}

	out := make([]int64, layer.OutFeatures)
	for n := 0; n < layer.OutFeatures; n++ {
		var acc int64
		for i := 0; i < layer.InFeatures; i++ {
			acc += input.Values[i] * weights.At(i, n)
		}
		out[n] = e.finalize(acc, biases[n], layer.ReLU)
	}

	return fixedpoint.NewTensor([]int{layer.OutFeatures}, out, e.outputFormat())
}

// MaxPool2x2 computes 2x2 stride-2 max pooling over a (H, W, C) input. Odd
// trailing rows and columns are dropped, as the hardware does.
func (e *Engine) MaxPool2x2(input *fixedpoint.Tensor) (*fixedpoint.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("maxpool: input shape %v, want (H, W, C): %w", input.Shape, ErrShapeMismatch)
	}

	outH := input.Shape[0] / 2
	outW := input.Shape[1] / 2
	channels := input.Shape[2]

	out := make([]int64, outH*outW*channels)
	for r := 0; r < outH; r++ {
		for c := 0; c < outW; c++ {
			for ch := 0; ch < channels; ch++ {
				v := input.At(2*r, 2*c, ch)
				for _, w := range []int64{
					input.At(2*r, 2*c+1, ch),
					input.At(2*r+1, 2*c, ch),
					input.At(2*r+1, 2*c+1, ch),
				} {
					if w > v {
						v = w
					}
				}
				out[(r*outW+c)*channels+ch] = v
			}
		}
	}

	return fixedpoint.NewTensor([]int{outH, outW, channels}, out, input.Format)
}

func biasValues(bias *fixedpoint.Tensor, layer Layer) ([]int64, error) {
	if bias == nil {
		return make([]int64, layer.FanOut()), nil
	}
	if bias.Elems() != layer.FanOut() {
		return nil, fmt.Errorf("%s %s: %d biases, want %d: %w", layer.Kind, layer.Name, bias.Elems(), layer.FanOut(), ErrShapeMismatch)
	}
	return bias.Values, nil
}

func shapeEq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
