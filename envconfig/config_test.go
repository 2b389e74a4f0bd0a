package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	Debug = false
	t.Setenv("COEVERIFY_DEBUG", "")
	LoadConfig()
	assert.False(t, Debug)

	t.Setenv("COEVERIFY_DEBUG", "false")
	LoadConfig()
	assert.False(t, Debug)

	t.Setenv("COEVERIFY_DEBUG", "1")
	LoadConfig()
	assert.True(t, Debug)
}

func TestTraceBits(t *testing.T) {
	TraceBits = 8
	t.Setenv("COEVERIFY_TRACE_BITS", "16")
	LoadConfig()
	assert.Equal(t, uint(16), TraceBits)

	// invalid values leave the previous setting untouched
	t.Setenv("COEVERIFY_TRACE_BITS", "0")
	LoadConfig()
	assert.Equal(t, uint(16), TraceBits)

	t.Setenv("COEVERIFY_TRACE_BITS", "banana")
	LoadConfig()
	assert.Equal(t, uint(16), TraceBits)
}

func TestNumParallel(t *testing.T) {
	NumParallel = 0
	t.Setenv("COEVERIFY_NUM_PARALLEL", "4")
	LoadConfig()
	assert.Equal(t, 4, NumParallel)

	t.Setenv("COEVERIFY_NUM_PARALLEL", "-1")
	LoadConfig()
	assert.Equal(t, 4, NumParallel)
}
