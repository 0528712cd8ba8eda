package valuecodec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	value := []byte("the quick brown fox jumps over the lazy dog, repeated for ratio: " +
		"the quick brown fox jumps over the lazy dog")

	for _, kind := range []Kind{None, Snappy, LZ4, Zstd} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			c := NewCodec(kind, 0)
			stored, err := c.Encode(value)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if stored[0] != byte(kind) {
				t.Fatalf("expected tag byte %d, got %d", kind, stored[0])
			}
			got, err := Decode(stored)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, value) {
				t.Fatalf("round trip mismatch: got %q, want %q", got, value)
			}
		})
	}
}

func TestMinBytesDowngradesToNone(t *testing.T) {
	c := NewCodec(Zstd, 1024)
	small := []byte("short")
	stored, err := c.Encode(small)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if Kind(stored[0]) != None {
		t.Fatalf("value under MinBytes must be stored with the None tag, got tag %d", stored[0])
	}
}

func TestDecodeDispatchesOnStoredTagNotConfiguredKind(t *testing.T) {
	// A value written under Snappy must decode correctly even when asked
	// for via a differently-configured codec, since Decode is a package
	// function keyed only on the stored tag byte.
	written, err := NewCodec(Snappy, 0).Encode([]byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(written)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"": None, "none": None, "snappy": Snappy, "lz4": LZ4, "zstd": Zstd}
	for s, want := range cases {
		got, err := ParseKind(s)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseKind("brotli"); err == nil {
		t.Fatal("expected an error for an unknown codec name")
	}
}

func TestEmptyValueRoundTrips(t *testing.T) {
	c := NewCodec(Snappy, 0)
	stored, err := c.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(stored)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %q", got)
	}
}
