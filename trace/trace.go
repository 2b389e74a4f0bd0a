// Package trace parses the hardware simulator's textual debug output into
// structured events. The format grew by hand over many testbench revisions,
// so the parser accepts every dialect that survives in the logs and skips
// what it cannot recognize.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cnnfpga/coeverify/fixedpoint"
)

// Position is a spatial output coordinate. Flat (dense) layers have none.
type Position struct {
	Row, Col int
}

// Event is one emitted block: a layer tag, an optional position, and the
// per-unit raw values announced under it. The simulator re-emits some blocks
// once per completed pass; every occurrence is kept, and choosing the
// authoritative one is the comparator's job.
type Event struct {
	Tag    string
	Pos    *Position
	Values map[int]int64
}

var (
	// LAYER0_OUTPUT: [3,12]
	headerPos = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*):\s*\[(\d+)\s*,\s*(\d+)\]\s*$`)

	// FC1_OUTPUT:
	headerFlat = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*):\s*$`)

	// Filter_0: 57 | Filter 3: -12 | Neuron_6: 0x2D
	// Filter_0_hex: 0x39  dec: 57   (hex is authoritative)
	value = regexp.MustCompile(`^\s*([A-Za-z]+)[_ ](\d+)(?:_hex)?\s*:\s*(-?\d+|0[xX][0-9A-Fa-f]+)(?:\s+dec:\s*(-?\d+))?\s*$`)
)

// Parse scans simulator output and returns every recognized event in file
// order. Raw values are interpreted as two's complement at the given bit
// width, which varies by testbench (8-bit activations, 16-bit accumulator
// taps), so it is a per-call parameter. Unrecognized lines are skipped.
func Parse(r io.Reader, bits uint) ([]Event, error) {
	if bits == 0 || bits > 64 {
		return nil, fmt.Errorf("trace: invalid value width %d", bits)
	}

	var events []Event
	var current *Event

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if m := headerPos.FindStringSubmatch(line); m != nil {
			row, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			events = append(events, Event{
				Tag:    m[1],
				Pos:    &Position{Row: row, Col: col},
				Values: make(map[int]int64),
			})
			current = &events[len(events)-1]
			continue
		}

		if m := headerFlat.FindStringSubmatch(line); m != nil {
			events = append(events, Event{Tag: m[1], Values: make(map[int]int64)})
			current = &events[len(events)-1]
			continue
		}

		if m := value.FindStringSubmatch(line); m != nil && current != nil {
			unit, _ := strconv.Atoi(m[2])
			raw, err := parseValue(m[3], bits)
			if err != nil {
				continue
			}
			current.Values[unit] = raw
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}

	return events, nil
}

// ByTag returns every event carrying the tag, in file order.
func ByTag(events []Event, tag string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Tag == tag {
			out = append(out, ev)
		}
	}
	return out
}

func parseValue(tok string, bits uint) (int64, error) {
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		u, err := strconv.ParseUint(tok[2:], 16, 64)
		if err != nil {
			return 0, err
		}
		return fixedpoint.FromTwosComplement(u, bits), nil
	}

	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, err
	}
	// testbenches print unsigned raw; fold wrapped positives back
	if v >= 0 && v < int64(1)<<bits {
		return fixedpoint.FromTwosComplement(uint64(v), bits), nil
	}
	return v, nil
}
