// Package codec defines the compression interface consumed by the file
// store. The actual byte-level strategies live outside this system; a
// pattern's signature is opaque here and only the codec interprets it.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"
)

// Result is the outcome of a successful compression call.
type Result struct {
	Data    []byte
	Ratio   float64 // original size / compressed size
	Quality float64 // codec-reported quality in [0, 1]
	TimeMs  float64
}

// Codec compresses and decompresses bytes under a pattern signature.
type Codec interface {
	// Tag identifies the codec on stored file rows.
	Tag() string
	Compress(signature, data []byte) (Result, error)
	Decompress(signature, data []byte) ([]byte, error)
}

// Gzip is a thin adapter over the standard gzip writer, shipped so the
// server runs end to end without an external codec. It ignores the
// signature; ratio is plain size division and quality is always 1 (the
// transform is lossless).
type Gzip struct {
	Level int
}

// NewGzip returns a Gzip codec at the default compression level.
func NewGzip() *Gzip {
	return &Gzip{Level: gzip.DefaultCompression}
}

func (g *Gzip) Tag() string { return "gzip" }

func (g *Gzip) Compress(_, data []byte) (Result, error) {
	start := time.Now()

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.Level)
	if err != nil {
		return Result{}, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return Result{}, fmt.Errorf("compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("flushing gzip writer: %w", err)
	}

	out := buf.Bytes()
	if len(out) == 0 || len(out) >= len(data) {
		// Incompressible input; report failure so the caller stores raw bytes.
		return Result{}, fmt.Errorf("gzip: output (%d bytes) not smaller than input (%d bytes)", len(out), len(data))
	}

	return Result{
		Data:    out,
		Ratio:   float64(len(data)) / float64(len(out)),
		Quality: 1.0,
		TimeMs:  float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (g *Gzip) Decompress(_, data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}
