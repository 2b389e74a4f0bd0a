package coe

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/nn"
)

func TestParse(t *testing.T) {
	input := `; conv1 weights, exported 2024-03-02
; do not edit by hand
memory_initialization_radix=16;
memory_initialization_vector=
05FD,
7f80 , 0001,
FFFF;
`

	img, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 16, img.BitsPerWord)
	assert.Equal(t, 4, img.AddressCount())
	assert.Equal(t, [][]byte{{0x05, 0xFD}, {0x7F, 0x80}, {0x00, 0x01}, {0xFF, 0xFF}}, img.Words)
}

func TestParseShortTokensPad(t *testing.T) {
	input := "memory_initialization_vector=1A,2,FF;"

	img, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 8, img.BitsPerWord)
	assert.Equal(t, [][]byte{{0x1A}, {0x02}, {0xFF}}, img.Words)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("memory_initialization_radix=16;\n"))
	assert.ErrorIs(t, err, ErrNoVector)

	_, err = Parse(strings.NewReader("memory_initialization_vector=0A,ZZ;"))
	assert.ErrorContains(t, err, "invalid hex token")

	_, err = Parse(strings.NewReader("memory_initialization_vector=0A,0B"))
	assert.ErrorContains(t, err, "not terminated")

	_, err = Parse(strings.NewReader("memory_initialization_radix=10;\nmemory_initialization_vector=01;"))
	assert.ErrorContains(t, err, "unsupported memory_initialization_radix")
}

// Output unit 0 lands in the most significant byte: values 5 and -3 at one
// address serialize as 05FD.
func TestPackEndianness(t *testing.T) {
	layer := nn.Conv2D("conv1", 1, 1, 1, 2, true)
	weights, err := fixedpoint.NewTensor([]int{1, 1, 1, 2}, []int64{5, -3}, fixedpoint.Q1p6)
	require.NoError(t, err)

	img, err := Pack(weights, layer)
	require.NoError(t, err)

	require.Equal(t, 1, img.AddressCount())
	assert.Equal(t, 16, img.BitsPerWord)
	assert.Equal(t, []byte{0x05, 0xFD}, img.Words[0])
	assert.Contains(t, img.String(), "05FD;")
}

func TestPackConvAddressing(t *testing.T) {
	// 2x2 kernel, 2 input channels, 1 filter: address (kr*2+kc)*2+ch must
	// walk the values in row-major order.
	layer := nn.Conv2D("conv1", 2, 2, 2, 1, true)
	values := []int64{10, 11, 20, 21, 30, 31, 40, 41}
	weights, err := fixedpoint.NewTensor([]int{2, 2, 2, 1}, values, fixedpoint.Q1p6)
	require.NoError(t, err)

	img, err := Pack(weights, layer)
	require.NoError(t, err)

	require.Equal(t, 8, img.AddressCount())
	for addr, want := range values {
		assert.Equal(t, []byte{byte(want)}, img.Words[addr], "address %d", addr)
	}
}

func TestPackRejectsWrongShape(t *testing.T) {
	layer := nn.Conv2D("conv1", 3, 3, 1, 2, true)
	weights, err := fixedpoint.NewTensor([]int{3, 3, 2, 1}, make([]int64, 18), fixedpoint.Q1p6)
	require.NoError(t, err)

	_, err = Pack(weights, layer)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestPackRejectsWideFormats(t *testing.T) {
	layer := nn.FullyConnected("fc1", 1, 1, true)
	weights, err := fixedpoint.NewTensor([]int{1, 1}, []int64{100}, fixedpoint.Format{IntegerBits: 9, FractionalBits: 6})
	require.NoError(t, err)

	_, err = Pack(weights, layer)
	assert.ErrorContains(t, err, "16 bits")
}

func TestPackPoolingHasNoImage(t *testing.T) {
	img, err := Pack(nil, nn.Pool2x2("pool1"))
	assert.Nil(t, err)
	assert.Nil(t, img)
}

func TestRoundTrip(t *testing.T) {
	layer := nn.Conv2D("conv2", 3, 3, 8, 16, true)
	values := make([]int64, layer.FanIn()*layer.FanOut())
	for i := range values {
		values[i] = int64(i%255) - 127
	}
	weights, err := fixedpoint.NewTensor([]int{3, 3, 8, 16}, values, fixedpoint.Q1p6)
	require.NoError(t, err)

	img, err := Pack(weights, layer)
	require.NoError(t, err)

	parsed, err := Parse(strings.NewReader(img.String()))
	require.NoError(t, err)
	if diff := cmp.Diff(img, parsed); diff != "" {
		t.Fatalf("round trip mismatch (-packed +parsed):\n%s", diff)
	}

	back, err := Columns(parsed, layer, fixedpoint.Q1p6)
	require.NoError(t, err)
	assert.Equal(t, weights.Values, back.Values)
	assert.Equal(t, weights.Shape, back.Shape)

	// per-unit columns match the source tensor column by column
	for unit := 0; unit < layer.FanOut(); unit++ {
		col, err := WeightColumn(parsed, layer, unit, fixedpoint.Q1p6)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 3, 8}, col.Shape)
		for addr := 0; addr < layer.FanIn(); addr++ {
			assert.Equal(t, values[addr*layer.FanOut()+unit], col.Values[addr])
		}
	}
}

func TestWeightColumnValidation(t *testing.T) {
	layer := nn.Conv2D("conv1", 1, 1, 1, 2, true)
	img := &Image{BitsPerWord: 16, Words: [][]byte{{0x05, 0xFD}}}

	_, err := WeightColumn(img, layer, 5, fixedpoint.Q1p6)
	assert.ErrorContains(t, err, "out of range")

	short := &Image{BitsPerWord: 16, Words: [][]byte{{0x05, 0xFD}, {0x00, 0x00}}}
	_, err = WeightColumn(short, layer, 0, fixedpoint.Q1p6)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)

	narrow := &Image{BitsPerWord: 8, Words: [][]byte{{0x05}}}
	_, err = WeightColumn(narrow, layer, 0, fixedpoint.Q1p6)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestBiasRoundTrip(t *testing.T) {
	layer := nn.Conv2D("conv1", 3, 3, 1, 4, true)
	bias, err := fixedpoint.NewTensor([]int{4}, []int64{0, 9, -7, 4}, fixedpoint.Q1p6)
	require.NoError(t, err)

	img, err := PackBias(bias, layer)
	require.NoError(t, err)
	assert.Equal(t, 4, img.AddressCount())
	assert.Equal(t, 8, img.BitsPerWord)

	parsed, err := Parse(strings.NewReader(img.String()))
	require.NoError(t, err)

	back, err := BiasVector(parsed, layer, fixedpoint.Q1p6)
	require.NoError(t, err)
	assert.Equal(t, bias.Values, back.Values)
}

func TestUnpackWord(t *testing.T) {
	assert.Equal(t, []int64{5, -3}, UnpackWord([]byte{0x05, 0xFD}))
	assert.Equal(t, []int64{-128, 127, 0}, UnpackWord([]byte{0x80, 0x7F, 0x00}))
}

func TestReverseWords(t *testing.T) {
	img := &Image{BitsPerWord: 24, Words: [][]byte{{1, 2, 3}, {4, 5, 6}}}

	rev := ReverseWords(img)
	assert.Equal(t, [][]byte{{3, 2, 1}, {6, 5, 4}}, rev.Words)
	// original untouched
	assert.Equal(t, []byte{1, 2, 3}, img.Words[0])
}

func TestTransposeDense(t *testing.T) {
	// (2 out, 3 in) -> (3 in, 2 out)
	values := []float32{
		1, 2, 3,
		4, 5, 6,
	}

	got, err := TransposeDense(values, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)

	_, err = TransposeDense(values, 4, 3)
	assert.ErrorContains(t, err, "want 4*3")
}
