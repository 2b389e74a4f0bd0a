// Package compare reconciles reference-engine outputs with parsed simulator
// trace events and reports numeric agreement. Disagreement is the expected
// product of this package, never an error; only a layer name with no tag
// mapping fails.
package compare

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/trace"
)

type Grade int

const (
	Match Grade = iota
	Moderate
	Mismatch
)

func (g Grade) String() string {
	switch g {
	case Match:
		return "match"
	case Moderate:
		return "moderate"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("grade(%d)", int(g))
	}
}

// Unit is one compared (position, unit) pair, in real-value domain.
type Unit struct {
	Pos      *trace.Position
	Index    int
	Ref      float64
	Observed float64
	AbsError float64
}

// Result is the aggregate outcome for one layer.
type Result struct {
	Layer string
	Tag   string

	Units    []Unit
	Compared int
	// Missing counts (position, unit) pairs the reference has but the trace
	// never emitted. They are trace gaps, tallied apart from numeric error.
	Missing int

	MeanError   float64
	MaxError    float64
	MaxErrorAt  Unit
	// ZeroFraction maps each output unit to the fraction of its observations
	// that were exactly zero. A unit stuck at 1.0 while the reference is
	// nonzero is the signature of an addressing or packing fault, not a
	// precision problem, so AlwaysZero surfaces those units directly.
	ZeroFraction map[int]float64
	AlwaysZero   []int

	Grade Grade
}

// Comparator aligns reference tensors with trace events.
type Comparator struct {
	// Format dequantizes the trace's raw integers.
	Format fixedpoint.Format

	// Tags maps logical layer names to the trace tags that carry them.
	// Defaults to DefaultTags.
	Tags map[string]string

	// MatchEpsilon and MismatchBound classify the mean absolute error: at or
	// below MatchEpsilon is a match, above MismatchBound a mismatch, between
	// them moderate. Zero values default to one and sixteen quantization
	// steps. Callers validating different hardware tune these.
	MatchEpsilon  float64
	MismatchBound float64
}

// DefaultTags is the layer-to-tag table of the testbench family this library
// grew up against.
func DefaultTags() map[string]string {
	return map[string]string{
		"conv1": "LAYER0_OUTPUT",
		"pool1": "LAYER1_POOL1_OUTPUT",
		"conv2": "LAYER2_CONV2_OUTPUT",
		"pool2": "LAYER3_POOL2_OUTPUT",
		"fc1":   "FC1_OUTPUT",
		"fc2":   "FC2_OUTPUT",
	}
}

func (c *Comparator) tag(layer string) (string, error) {
	tags := c.Tags
	if tags == nil {
		tags = DefaultTags()
	}
	tag, ok := tags[layer]
	if !ok {
		return "", fmt.Errorf("no trace tag mapped for layer %q", layer)
	}
	return tag, nil
}

func (c *Comparator) bounds() (eps, bound float64) {
	step := 1 / float64(c.Format.Scale())
	eps, bound = c.MatchEpsilon, c.MismatchBound
	if eps == 0 {
		eps = step
	}
	if bound == 0 {
		bound = 16 * step
	}
	return eps, bound
}

// Spatial compares a (H, W, C) reference tensor against the layer's trace
// blocks, iterating every (position, channel) pair present on both sides.
// When the simulator re-emitted a position, the last occurrence wins. relu
// applies ReLU to the observed value, for taps logged before activation.
func (c *Comparator) Spatial(layer string, ref *fixedpoint.Tensor, events []trace.Event, relu bool) (*Result, error) {
	tag, err := c.tag(layer)
	if err != nil {
		return nil, err
	}
	if len(ref.Shape) != 3 {
		return nil, fmt.Errorf("layer %q: reference shape %v, want (H, W, C)", layer, ref.Shape)
	}

	latest := make(map[trace.Position]trace.Event)
	for _, ev := range trace.ByTag(events, tag) {
		if ev.Pos != nil {
			latest[*ev.Pos] = ev
		}
	}

	res := &Result{Layer: layer, Tag: tag}
	height, width, channels := ref.Shape[0], ref.Shape[1], ref.Shape[2]
	for r := 0; r < height; r++ {
		for col := 0; col < width; col++ {
			ev, ok := latest[trace.Position{Row: r, Col: col}]
			if !ok {
				res.Missing += channels
				continue
			}
			for ch := 0; ch < channels; ch++ {
				raw, present := ev.Values[ch]
				if !present {
					res.Missing++
					continue
				}
				refVal := fixedpoint.Dequantize(ref.At(r, col, ch), ref.Format)
				res.add(Unit{Pos: ev.Pos, Index: ch}, refVal, raw, relu, c.Format)
			}
		}
	}

	res.finish(c, ref, channels)
	return res, nil
}

// Flat compares a 1-D reference tensor against the last trace block carrying
// the layer's tag: the hardware re-emits the whole dense result once per
// image pass, and only the final one reflects the completed accumulation.
func (c *Comparator) Flat(layer string, ref *fixedpoint.Tensor, events []trace.Event, relu bool) (*Result, error) {
	tag, err := c.tag(layer)
	if err != nil {
		return nil, err
	}
	if len(ref.Shape) != 1 {
		return nil, fmt.Errorf("layer %q: reference shape %v, want one dimension", layer, ref.Shape)
	}

	res := &Result{Layer: layer, Tag: tag}
	blocks := trace.ByTag(events, tag)
	if len(blocks) == 0 {
		res.Missing = ref.Elems()
		res.finish(c, ref, ref.Elems())
		return res, nil
	}
	last := blocks[len(blocks)-1]

	for n := 0; n < ref.Elems(); n++ {
		raw, present := last.Values[n]
		if !present {
			res.Missing++
			continue
		}
		refVal := fixedpoint.Dequantize(ref.Values[n], ref.Format)
		res.add(Unit{Index: n}, refVal, raw, relu, c.Format)
	}

	res.finish(c, ref, ref.Elems())
	return res, nil
}

func (res *Result) add(u Unit, refVal float64, raw int64, relu bool, f fixedpoint.Format) {
	observed := fixedpoint.Dequantize(raw, f)
	if relu && observed < 0 {
		observed = 0
	}

	u.Ref = refVal
	u.Observed = observed
	u.AbsError = math.Abs(refVal - observed)
	res.Units = append(res.Units, u)
	res.Compared++
}

func (res *Result) finish(c *Comparator, ref *fixedpoint.Tensor, units int) {
	var sum float64
	observations := make(map[int]int)
	zeros := make(map[int]int)
	for _, u := range res.Units {
		sum += u.AbsError
		observations[u.Index]++
		if u.Observed == 0 {
			zeros[u.Index]++
		}
		if u.AbsError > res.MaxError {
			res.MaxError = u.AbsError
			res.MaxErrorAt = u
		}
	}

	res.ZeroFraction = make(map[int]float64, len(observations))
	for idx, n := range observations {
		res.ZeroFraction[idx] = float64(zeros[idx]) / float64(n)
	}

	for _, idx := range sortedKeys(res.ZeroFraction) {
		if res.ZeroFraction[idx] == 1 && refNonzeroForUnit(ref, idx, units) {
			res.AlwaysZero = append(res.AlwaysZero, idx)
		}
	}

	eps, bound := c.bounds()
	switch {
	case res.Compared == 0:
		res.Grade = Mismatch
	default:
		res.MeanError = sum / float64(res.Compared)
		switch {
		case res.MeanError <= eps:
			res.Grade = Match
		case res.MeanError > bound:
			res.Grade = Mismatch
		default:
			res.Grade = Moderate
		}
	}
}

// refNonzeroForUnit reports whether the reference has any nonzero value for
// the given output unit (the last axis for spatial tensors).
func refNonzeroForUnit(ref *fixedpoint.Tensor, unit, units int) bool {
	if len(ref.Shape) == 1 {
		return unit < len(ref.Values) && ref.Values[unit] != 0
	}
	for i := unit; i < len(ref.Values); i += units {
		if ref.Values[i] != 0 {
			return true
		}
	}
	return false
}

func sortedKeys(m map[int]float64) []int {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
