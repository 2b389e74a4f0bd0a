package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via COEVERIFY_DEBUG in the environment
	Debug bool
	// Set via COEVERIFY_FORMAT in the environment
	Format string
	// Set via COEVERIFY_NUM_PARALLEL in the environment
	NumParallel int
	// Set via COEVERIFY_TRACE_BITS in the environment
	TraceBits uint
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"COEVERIFY_DEBUG":        {"COEVERIFY_DEBUG", Debug, "Show additional debug information (e.g. COEVERIFY_DEBUG=1)"},
		"COEVERIFY_FORMAT":       {"COEVERIFY_FORMAT", Format, "Fixed-point format for weights and activations (default \"Q1.6\")"},
		"COEVERIFY_NUM_PARALLEL": {"COEVERIFY_NUM_PARALLEL", NumParallel, "Maximum number of filters computed in parallel (default NumCPU)"},
		"COEVERIFY_TRACE_BITS":   {"COEVERIFY_TRACE_BITS", TraceBits, "Bit width of simulator trace values (default 8)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	Format = "Q1.6"
	TraceBits = 8

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("COEVERIFY_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if format := clean("COEVERIFY_FORMAT"); format != "" {
		Format = format
	}

	if onp := clean("COEVERIFY_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "COEVERIFY_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	if bits := clean("COEVERIFY_TRACE_BITS"); bits != "" {
		val, err := strconv.ParseUint(bits, 10, 8)
		if err != nil || val == 0 || val > 64 {
			slog.Error("invalid setting must be between 1 and 64", "COEVERIFY_TRACE_BITS", bits, "error", err)
		} else {
			TraceBits = uint(val)
		}
	}
}
