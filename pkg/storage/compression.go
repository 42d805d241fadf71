package storage

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor is a pluggable compression backend. gzip is always
// available; other backends register alongside it.
type Compressor interface {
	// Name is the backend identifier recorded in metadata.
	Name() string

	// NewWriter wraps w with a compressing writer. Close must be called
	// to flush trailing blocks.
	NewWriter(w io.Writer) (io.WriteCloser, error)

	// NewReader wraps r with a decompressing reader.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{dec: dec}, nil
}

// zstdReadCloser adapts zstd.Decoder's error-less Close to io.ReadCloser.
type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}

var compressors = map[string]Compressor{
	"gzip": gzipCompressor{},
	"zstd": zstdCompressor{},
}

// lookupCompressor returns the backend for name.
func lookupCompressor(name string) (Compressor, error) {
	c, ok := compressors[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression backend: %s", name)
	}
	return c, nil
}
