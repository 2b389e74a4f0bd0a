// Package coe serializes quantized weight and bias tensors into the
// address-indexed hex memory-image format the hardware's block-memory
// initializer consumes, and parses that format back.
//
// Packing and unpacking share one byte-order convention: within a word the
// most significant byte holds output unit 0. The convention is a single
// constant used by both sides; there is no per-call override for weights.
package coe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Radix is the only radix the hardware tooling accepts.
const Radix = 16

// ErrNoVector reports memory-image text with no recognizable payload.
var ErrNoVector = errors.New("memory_initialization_vector not found")

// Image is a parsed or freshly packed memory image: one word per address,
// each word stored MSB-first as BitsPerWord/8 bytes.
type Image struct {
	BitsPerWord int
	Words       [][]byte
}

// AddressCount is the number of words, i.e. the layer's fan-in depth.
func (img *Image) AddressCount() int {
	return len(img.Words)
}

// WriteTo serializes the image. Tokens are uppercase, zero-padded to
// ceil(BitsPerWord/4) digits, comma-separated, one per line, with the final
// token terminated by a semicolon.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "memory_initialization_radix=%d;\n", Radix)
	sb.WriteString("memory_initialization_vector=\n")
	for i, word := range img.Words {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(word)))
		if i == len(img.Words)-1 {
			sb.WriteString(";\n")
		} else {
			sb.WriteString(",\n")
		}
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (img *Image) String() string {
	var sb strings.Builder
	img.WriteTo(&sb)
	return sb.String()
}

// Parse reads memory-image text. It tolerates the variance seen in
// hand-edited files: ';'-prefixed comment lines, arbitrary whitespace and
// newline placement, lowercase hex, and tokens shorter than the word width
// (left zero-padded). Structural problems are errors, never defaulted.
func Parse(r io.Reader) (*Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	payload, err := vectorPayload(string(raw))
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, tok := range strings.Split(payload, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrNoVector)
	}

	width := 0
	for _, tok := range tokens {
		if len(tok) > width {
			width = len(tok)
		}
	}
	if width%2 == 1 {
		width++
	}

	img := &Image{BitsPerWord: width * 4}
	for i, tok := range tokens {
		padded := strings.Repeat("0", width-len(tok)) + strings.ToLower(tok)
		word, err := hex.DecodeString(padded)
		if err != nil {
			return nil, fmt.Errorf("address %d: invalid hex token %q", i, tok)
		}
		img.Words = append(img.Words, word)
	}

	return img, nil
}

// vectorPayload strips comments, checks the radix declaration when present,
// and returns the text between the vector keyword and its closing semicolon.
func vectorPayload(text string) (string, error) {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.TrimSpace(line), ";") {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")

	if _, decl, ok := cutKeyword(text, "memory_initialization_radix"); ok {
		radix, _, ok := strings.Cut(decl, ";")
		if !ok || strings.TrimSpace(radix) != "16" {
			return "", fmt.Errorf("unsupported memory_initialization_radix %q", strings.TrimSpace(radix))
		}
	}

	_, rest, ok := cutKeyword(text, "memory_initialization_vector")
	if !ok {
		return "", ErrNoVector
	}
	payload, _, ok := strings.Cut(rest, ";")
	if !ok {
		return "", fmt.Errorf("%w: vector not terminated", ErrNoVector)
	}
	return payload, nil
}

// cutKeyword finds "keyword = " case-insensitively and returns the text after
// the equals sign.
func cutKeyword(text, keyword string) (before, after string, ok bool) {
	idx := strings.Index(strings.ToLower(text), keyword)
	if idx < 0 {
		return text, "", false
	}
	rest := text[idx+len(keyword):]
	rest = strings.TrimLeft(rest, " \t\n")
	if !strings.HasPrefix(rest, "=") {
		return text, "", false
	}
	return text[:idx], rest[1:], true
}
