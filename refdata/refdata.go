// Package refdata loads float tensors from a safetensors archive. Training
// exports the network weights and the golden activations in this format; the
// verification pipeline quantizes them before packing or comparing.
package refdata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type entryMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// Entry is a named tensor inside an archive. Values are decoded to float32
// regardless of the stored dtype.
type Entry struct {
	Name  string
	Shape []uint64

	fs     fs.FS
	path   string
	dtype  string
	offset int64
	size   int64
}

// Open reads the headers of the named archive files and returns their
// entries sorted by name. Tensor data is read lazily by Entry.Floats.
func Open(fsys fs.FS, ps ...string) ([]Entry, error) {
	var entries []Entry
	for _, p := range ps {
		f, err := fsys.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var n int64
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return nil, err
		}

		b := bytes.NewBuffer(make([]byte, 0, n))
		if _, err = io.CopyN(b, f, n); err != nil {
			return nil, err
		}

		var headers map[string]entryMetadata
		if err := json.NewDecoder(b).Decode(&headers); err != nil {
			return nil, err
		}

		keys := maps.Keys(headers)
		slices.Sort(keys)

		names := make(map[string]struct{}, len(keys))

		for _, key := range keys {
			value := headers[key]
			if value.Type == "" {
				// "__metadata__" and similar bookkeeping entries
				continue
			}

			if len(value.Shape) == 0 {
				return nil, fmt.Errorf("tensor '%s' has no shape", key)
			}

			if len(value.Offsets) != 2 || value.Offsets[1] < value.Offsets[0] {
				return nil, fmt.Errorf("tensor '%s' has malformed data offsets %v", key, value.Offsets)
			}

			if _, ok := names[key]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s'", key)
			}
			names[key] = struct{}{}

			entries = append(entries, Entry{
				Name:   key,
				Shape:  value.Shape,
				fs:     fsys,
				path:   p,
				dtype:  value.Type,
				offset: pad(n, value.Offsets[0]),
				size:   pad(n, value.Offsets[1]) - pad(n, value.Offsets[0]),
			})
		}
	}

	return entries, nil
}

// Lookup returns the entry with the given name.
func Lookup(entries []Entry, name string) (Entry, error) {
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}

	return Entry{}, fmt.Errorf("tensor '%s' not found in archive", name)
}

// pad returns the absolute file offset of tensor data given the header
// length n and the data-relative offset.
func pad(n, offset int64) int64 {
	return 8 + n + offset
}

// Elems returns the number of values in the entry.
func (e Entry) Elems() int {
	count := 1
	for _, d := range e.Shape {
		count *= int(d)
	}

	return count
}

// Floats reads and decodes the entry's data.
func (e Entry) Floats() ([]float32, error) {
	f, err := e.fs.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(e.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.CopyN(io.Discard, f, e.offset); err != nil {
			return nil, err
		}
	}

	var f32s []float32
	switch e.dtype {
	case "F32":
		f32s = make([]float32, e.size/4)
		if err = binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, e.size/2)
		if err = binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, e.size)
		if err = binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("unknown data type: %s", e.dtype)
	}

	if want := e.Elems(); len(f32s) != want {
		return nil, fmt.Errorf("tensor '%s': %d values for shape %v", e.Name, len(f32s), e.Shape)
	}

	return f32s, nil
}

// IntShape converts the stored shape to the int form used by the
// quantization and packing layers.
func (e Entry) IntShape() []int {
	shape := make([]int, len(e.Shape))
	for i, d := range e.Shape {
		shape[i] = int(d)
	}

	return shape
}
