package nn

import (
	"fmt"
	"log/slog"

	"github.com/cnnfpga/coeverify/fixedpoint"
)

// Params holds the quantized weights and biases for a network, keyed by
// layer name. Pooling layers have no entries. A missing bias entry means
// the layer runs without one.
type Params struct {
	Weights map[string]*fixedpoint.Tensor
	Biases  map[string]*fixedpoint.Tensor
}

// Forward runs the network over a quantized input and returns every layer's
// activation tensor keyed by layer name. A dense layer following a spatial
// one consumes the previous activation flattened in row-major (H, W, C)
// order, matching the address order the feature memory is written in.
func (e *Engine) Forward(net Network, input *fixedpoint.Tensor, params Params) (map[string]*fixedpoint.Tensor, error) {
	if err := params.check(net); err != nil {
		return nil, err
	}

	acts := make(map[string]*fixedpoint.Tensor, len(net))

	cur := input
	for _, layer := range net {
		var (
			out *fixedpoint.Tensor
			err error
		)

		switch layer.Kind {
		case Conv:
			out, err = e.Conv2D(cur, params.Weights[layer.Name], params.Biases[layer.Name], layer)
		case Dense:
			flat := cur
			if len(cur.Shape) != 1 {
				flat, err = fixedpoint.NewTensor([]int{cur.Elems()}, cur.Values, cur.Format)
				if err != nil {
					return nil, err
				}
			}
			out, err = e.Dense(flat, params.Weights[layer.Name], params.Biases[layer.Name], layer)
		case MaxPool:
			out, err = e.MaxPool2x2(cur)
		default:
			err = fmt.Errorf("layer %s: unknown kind %d", layer.Name, layer.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}

		slog.Debug("forward", "layer", layer.Name, "kind", layer.Kind, "shape", out.Shape)
		acts[layer.Name] = out
		cur = out
	}

	return acts, nil
}

func (p Params) check(net Network) error {
	for _, layer := range net {
		if layer.Kind == MaxPool {
			continue
		}
		if p.Weights[layer.Name] == nil {
			return fmt.Errorf("no weights for layer %s", layer.Name)
		}
	}
	return nil
}
