// Package compress gzips backup bundles on their way offsite.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"
)

// Gzip is a bundle stage that compresses everything passing through it.
type Gzip struct {
	level int
}

func NewGzip() *Gzip {
	return &Gzip{level: gzip.BestCompression}
}

// NewGzipLevel accepts the levels of compress/gzip, from HuffmanOnly to
// BestCompression.
func NewGzipLevel(level int) (*Gzip, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level %d", level)
	}
	return &Gzip{level: level}, nil
}

// Wrap returns a reader producing the gzip stream of r. Compression runs in a
// goroutine as the result is read; closing the result stops it.
func (g *Gzip) Wrap(r io.Reader) (io.ReadCloser, error) {
	pr, pw := io.Pipe()

	go func() {
		gw, err := gzip.NewWriterLevel(pw, g.level)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(gw, r); err != nil {
			gw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(gw.Close())
	}()

	return pr, nil
}

// Unwrap reverses Wrap.
func (g *Gzip) Unwrap(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip header: %w", err)
	}
	return gr, nil
}

func (g *Gzip) Extension() string {
	return ".gz"
}
