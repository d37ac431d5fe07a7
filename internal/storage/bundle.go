package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/rethink-backup/internal/archive"
)

// Stage transforms a bundle stream on its way to storage, and back.
type Stage interface {
	Wrap(r io.Reader) (io.ReadCloser, error)
	Unwrap(r io.Reader) (io.ReadCloser, error)
	Extension() string
}

type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// Shipment describes an uploaded bundle.
type Shipment struct {
	Key      string
	Size     int64
	Duration time.Duration
}

// BundleName names the bundle of an export of database started at startedAt,
// e.g. "app-20261019-080000.tar.gz.enc".
func BundleName(database string, startedAt time.Time, stages ...Stage) string {
	name := fmt.Sprintf("%s-%s%s", database, startedAt.UTC().Format("20060102-150405"), archive.Extension)
	for _, s := range stages {
		name += s.Extension()
	}
	return name
}

// Ship tars dir, passes the archive through stages in order and streams the
// result to key. The directory is only read.
func Ship(ctx context.Context, up Uploader, dir, key string, stages ...Stage) (*Shipment, error) {
	start := time.Now()

	src, err := archive.TarDirectory(dir)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{src}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	var r io.Reader = src
	for _, s := range stages {
		wrapped, err := s.Wrap(r)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s stage: %w", s.Extension(), err)
		}
		closers = append(closers, wrapped)
		r = wrapped
	}

	counter := &countingReader{r: r}
	log.Infof("Uploading bundle [%s]", key)
	if err := up.Upload(ctx, key, counter); err != nil {
		return nil, err
	}

	return &Shipment{Key: key, Size: counter.n, Duration: time.Since(start)}, nil
}

// Unpack reverses Ship for a bundle read from r: stages are undone in reverse
// order and the archive is extracted into dest.
func Unpack(r io.Reader, dest string, stages ...Stage) ([]string, error) {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	for i := len(stages) - 1; i >= 0; i-- {
		unwrapped, err := stages[i].Unwrap(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s stage: %w", stages[i].Extension(), err)
		}
		closers = append(closers, unwrapped)
		r = unwrapped
	}
	return archive.Extract(r, dest)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
