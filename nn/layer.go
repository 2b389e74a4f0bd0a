// Package nn describes the network topology the hardware implements and
// computes bit-exact integer reference outputs for its layers.
package nn

import "fmt"

type Kind int

const (
	Conv Kind = iota
	Dense
	MaxPool
)

func (k Kind) String() string {
	switch k {
	case Conv:
		return "conv"
	case Dense:
		return "dense"
	case MaxPool:
		return "maxpool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Layer describes one layer of the exported model. It is derived once from
// the trained topology and read-only afterwards; it drives both memory-image
// address arithmetic and reference indexing.
type Layer struct {
	Kind Kind
	Name string

	// convolution
	KernelH     int
	KernelW     int
	InChannels  int
	OutChannels int

	// dense
	InFeatures  int
	OutFeatures int

	ReLU bool
}

// Conv2D describes a valid-only, stride-1 convolution layer.
func Conv2D(name string, kernelH, kernelW, inChannels, outChannels int, relu bool) Layer {
	return Layer{
		Kind:        Conv,
		Name:        name,
		KernelH:     kernelH,
		KernelW:     kernelW,
		InChannels:  inChannels,
		OutChannels: outChannels,
		ReLU:        relu,
	}
}

// FullyConnected describes a dense layer.
func FullyConnected(name string, inFeatures, outFeatures int, relu bool) Layer {
	return Layer{
		Kind:        Dense,
		Name:        name,
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		ReLU:        relu,
	}
}

// Pool2x2 describes a 2x2 stride-2 max pooling layer. It carries no learned
// parameters and produces no memory image.
func Pool2x2(name string) Layer {
	return Layer{Kind: MaxPool, Name: name}
}

// FanIn is the number of inputs contributing to one output unit: the memory
// image address depth.
func (l Layer) FanIn() int {
	switch l.Kind {
	case Conv:
		return l.KernelH * l.KernelW * l.InChannels
	case Dense:
		return l.InFeatures
	default:
		return 0
	}
}

// FanOut is the number of output units packed into one memory word.
func (l Layer) FanOut() int {
	switch l.Kind {
	case Conv:
		return l.OutChannels
	case Dense:
		return l.OutFeatures
	default:
		return 0
	}
}

// Network is an ordered layer list.
type Network []Layer

// QuickDrawNet is the topology of the exported classifier: two 3x3
// convolution/pool stages followed by two dense layers.
func QuickDrawNet() Network {
	return Network{
		Conv2D("conv1", 3, 3, 1, 8, true),
		Pool2x2("pool1"),
		Conv2D("conv2", 3, 3, 8, 16, true),
		Pool2x2("pool2"),
		FullyConnected("fc1", 400, 64, true),
		FullyConnected("fc2", 64, 10, false),
	}
}

// Layer returns the named layer.
func (n Network) Layer(name string) (Layer, bool) {
	for _, l := range n {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}
