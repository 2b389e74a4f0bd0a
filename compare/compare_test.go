package compare

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/trace"
)

func parseTrace(t *testing.T, text string, bits uint) []trace.Event {
	t.Helper()
	events, err := trace.Parse(strings.NewReader(text), bits)
	require.NoError(t, err)
	return events
}

func TestSpatialMatch(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1, 2, 2}, []int64{57, 0, 61, 43}, fixedpoint.Q1p6)
	require.NoError(t, err)

	events := parseTrace(t, `LAYER0_OUTPUT: [0,0]
  Filter_0: 57
  Filter_1: 0
LAYER0_OUTPUT: [0,1]
  Filter_0: 61
  Filter_1: 43
`, 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Spatial("conv1", ref, events, false)
	require.NoError(t, err)

	assert.Equal(t, Match, res.Grade)
	assert.Equal(t, 4, res.Compared)
	assert.Zero(t, res.Missing)
	assert.Zero(t, res.MeanError)
}

func TestSpatialLastOccurrenceWins(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1, 1, 1}, []int64{10}, fixedpoint.Q1p6)
	require.NoError(t, err)

	events := parseTrace(t, `LAYER0_OUTPUT: [0,0]
  Filter_0: 99
LAYER0_OUTPUT: [0,0]
  Filter_0: 10
`, 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Spatial("conv1", ref, events, false)
	require.NoError(t, err)
	assert.Equal(t, Match, res.Grade)
	assert.Zero(t, res.MeanError)
}

func TestSpatialMissingPairs(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1, 2, 2}, []int64{57, 0, 61, 43}, fixedpoint.Q1p6)
	require.NoError(t, err)

	events := parseTrace(t, `LAYER0_OUTPUT: [0,0]
  Filter_0: 57
`, 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Spatial("conv1", ref, events, false)
	require.NoError(t, err)

	// one channel missing at [0,0], both missing at [0,1]
	assert.Equal(t, 3, res.Missing)
	assert.Equal(t, 1, res.Compared)
	assert.Equal(t, Match, res.Grade)
}

// A channel observed as zero at all 25 positions while the reference is
// nonzero must be flagged as always-zero: that pattern means the weight
// column never loaded, not that precision drifted.
func TestZeroChannelDiagnostic(t *testing.T) {
	const size = 5
	values := make([]int64, size*size*2)
	for i := 0; i < size*size; i++ {
		values[2*i] = 40   // channel 0 reference, nonzero
		values[2*i+1] = 40 // channel 1 reference, nonzero
	}
	ref, err := fixedpoint.NewTensor([]int{size, size, 2}, values, fixedpoint.Q1p6)
	require.NoError(t, err)

	var sb strings.Builder
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			fmt.Fprintf(&sb, "LAYER0_OUTPUT: [%d,%d]\n  Filter_0: 40\n  Filter_1: 0\n", r, c)
		}
	}
	events := parseTrace(t, sb.String(), 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Spatial("conv1", ref, events, false)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, res.AlwaysZero)
	assert.Equal(t, 1.0, res.ZeroFraction[1])
	assert.Zero(t, res.ZeroFraction[0])
	// channel 1 is off by 40/64 everywhere; that alone grades mismatch at
	// the default bound
	assert.Equal(t, Mismatch, res.Grade)
}

func TestZeroChannelNotFlaggedWhenReferenceZero(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1, 1, 1}, []int64{0}, fixedpoint.Q1p6)
	require.NoError(t, err)

	events := parseTrace(t, "LAYER0_OUTPUT: [0,0]\n  Filter_0: 0\n", 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Spatial("conv1", ref, events, false)
	require.NoError(t, err)

	assert.Empty(t, res.AlwaysZero)
	assert.Equal(t, Match, res.Grade)
}

func TestFlatUsesLastBlock(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{3}, []int64{0, 81, 14}, fixedpoint.Q1p6)
	require.NoError(t, err)

	// the first block is a partial mid-pass emission; only the last matters
	events := parseTrace(t, `FC1_OUTPUT:
  Neuron_0: 120
  Neuron_1: 5
  Neuron_2: 5
FC1_OUTPUT:
  Neuron_0: 0
  Neuron_1: 81
  Neuron_2: 14
`, 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Flat("fc1", ref, events, false)
	require.NoError(t, err)

	assert.Equal(t, Match, res.Grade)
	assert.Equal(t, 3, res.Compared)
}

func TestFlatNoBlocks(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{4}, []int64{1, 2, 3, 4}, fixedpoint.Q1p6)
	require.NoError(t, err)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Flat("fc1", ref, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Missing)
	assert.Zero(t, res.Compared)
	assert.Equal(t, Mismatch, res.Grade)
}

func TestFlatReLUOnObserved(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1}, []int64{0}, fixedpoint.Q1p6)
	require.NoError(t, err)

	// observed -12 is pre-activation; with relu applied it matches ref 0
	events := parseTrace(t, "FC1_OUTPUT:\n  Neuron_0: -12\n", 8)

	c := &Comparator{Format: fixedpoint.Q1p6}
	res, err := c.Flat("fc1", ref, events, true)
	require.NoError(t, err)
	assert.Equal(t, Match, res.Grade)

	res, err = c.Flat("fc1", ref, events, false)
	require.NoError(t, err)
	assert.NotZero(t, res.MeanError)
}

func TestGradeThresholds(t *testing.T) {
	mk := func(refRaw, obsRaw int64) *Result {
		ref, err := fixedpoint.NewTensor([]int{1}, []int64{refRaw}, fixedpoint.Q1p6)
		require.NoError(t, err)
		events := parseTrace(t, fmt.Sprintf("FC1_OUTPUT:\n  Neuron_0: %d\n", obsRaw), 8)
		c := &Comparator{Format: fixedpoint.Q1p6}
		res, err := c.Flat("fc1", ref, events, false)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, Match, mk(64, 64).Grade)
	assert.Equal(t, Match, mk(64, 63).Grade)     // one step
	assert.Equal(t, Moderate, mk(64, 60).Grade)  // four steps
	assert.Equal(t, Mismatch, mk(64, -64).Grade) // two full units off

	assert.Equal(t, float64(128)/64, mk(64, -64).MeanError)
	assert.Equal(t, 0, mk(64, -64).MaxErrorAt.Index)
}

func TestUnknownLayer(t *testing.T) {
	ref, err := fixedpoint.NewTensor([]int{1}, []int64{0}, fixedpoint.Q1p6)
	require.NoError(t, err)

	c := &Comparator{Format: fixedpoint.Q1p6}
	_, err = c.Flat("fc9", ref, nil, false)
	assert.ErrorContains(t, err, "no trace tag")

	c.Tags = map[string]string{"fc9": "FC9_OUTPUT"}
	_, err = c.Flat("fc9", ref, nil, false)
	assert.Nil(t, err)
}
