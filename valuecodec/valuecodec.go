// Package valuecodec implements the optional transparent value compression
// layer sitting between the engine and kvstore. It is grounded on
// VanitasCaesar1-mantisdb's advanced/compression package, trimmed to the
// three algorithms that package wired in: snappy, lz4, and zstd.
package valuecodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind selects which algorithm a Codec applies on Encode. Decode always
// dispatches on the tag byte prefixed to the stored bytes, independent of
// the codec's own configured Kind, so changing configuration across
// restarts never strands previously written values.
type Kind byte

const (
	None Kind = iota
	Snappy
	LZ4
	Zstd
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("valuecodec: unknown codec %q", s)
	}
}

// Codec encodes values before they reach kvstore and decodes them after.
// MinBytes gates compression: values shorter than MinBytes are always
// stored with the None tag, since compression overhead dominates for tiny
// structured-clone payloads.
type Codec struct {
	Kind     Kind
	MinBytes int
}

// NewCodec builds a Codec for the given kind and minimum-size threshold.
func NewCodec(kind Kind, minBytes int) *Codec {
	return &Codec{Kind: kind, MinBytes: minBytes}
}

// Encode prefixes a one-byte tag identifying the algorithm actually used
// (which may be None even when c.Kind isn't, if value is under MinBytes)
// and returns the (possibly) compressed bytes.
func (c *Codec) Encode(value []byte) ([]byte, error) {
	kind := c.Kind
	if len(value) < c.MinBytes {
		kind = None
	}

	var body []byte
	var err error
	switch kind {
	case None:
		body = value
	case Snappy:
		body = snappy.Encode(nil, value)
	case LZ4:
		body, err = encodeLZ4(value)
	case Zstd:
		body, err = encodeZstd(value)
	default:
		return nil, fmt.Errorf("valuecodec: unsupported kind %v", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("valuecodec: encode: %w", err)
	}

	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

// Decode reverses Encode, reading the algorithm from the leading tag byte.
func Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return stored, nil
	}
	kind := Kind(stored[0])
	body := stored[1:]

	switch kind {
	case None:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("valuecodec: decode snappy: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := decodeLZ4(body)
		if err != nil {
			return nil, fmt.Errorf("valuecodec: decode lz4: %w", err)
		}
		return out, nil
	case Zstd:
		out, err := decodeZstd(body)
		if err != nil {
			return nil, fmt.Errorf("valuecodec: decode zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("valuecodec: unknown stored tag %d", kind)
	}
}

func encodeLZ4(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLZ4(body []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(body))
	return io.ReadAll(r)
}

func encodeZstd(value []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(value, nil), nil
}

func decodeZstd(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}
