package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestGzip_RoundTrip(t *testing.T) {
	g := NewGzip()
	original := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 50))

	res, err := g.Compress(nil, original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(res.Data) >= len(original) {
		t.Errorf("compressed %d bytes to %d, want smaller", len(original), len(res.Data))
	}
	if res.Ratio <= 1.0 {
		t.Errorf("ratio = %f, want > 1", res.Ratio)
	}
	if res.Quality != 1.0 {
		t.Errorf("quality = %f, want 1.0 for lossless transform", res.Quality)
	}

	out, err := g.Decompress(nil, res.Data)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Error("round trip did not reproduce original bytes")
	}
}

func TestGzip_IncompressibleInput(t *testing.T) {
	g := NewGzip()

	// Tiny input: gzip framing overhead guarantees growth.
	if _, err := g.Compress(nil, []byte("x")); err == nil {
		t.Error("expected error for incompressible input")
	}
}

func TestGzip_DecompressGarbage(t *testing.T) {
	g := NewGzip()

	if _, err := g.Decompress(nil, []byte("not a gzip stream")); err == nil {
		t.Error("expected error for invalid stream")
	}
}

func TestGzip_Tag(t *testing.T) {
	if got := NewGzip().Tag(); got != "gzip" {
		t.Errorf("Tag = %q, want %q", got, "gzip")
	}
}
