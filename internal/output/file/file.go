// Package file is the NDJSON archive of raw records. The active file is
// appended to through a buffer; when it would grow past the size limit it
// becomes segment {path}.1, older segments shift up, and the oldest beyond
// the retention count is removed. Segments can be zstd-compressed as they
// are rotated out.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("archive file closed")

type config struct {
	maxBytes  int64
	segments  int
	bufBytes  int
	autoFlush bool
	compress  bool
}

// Option configures an Output.
type Option func(*config)

// WithMaxSize rotates the file before a write would take it past n bytes.
// Zero disables rotation.
func WithMaxSize(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithMaxSegments sets how many rotated segments are kept. Default 10.
func WithMaxSegments(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.segments = n
		}
	}
}

// WithBufSize sets the write buffer size. Default 64 KiB.
func WithBufSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufBytes = n
		}
	}
}

// WithAutoFlush flushes after every record, so a crash loses at most the
// line in flight.
func WithAutoFlush() Option {
	return func(c *config) { c.autoFlush = true }
}

// WithCompressRotated stores rotated segments as {path}.N.zst.
func WithCompressRotated() Option {
	return func(c *config) { c.compress = true }
}

// Output appends records to path.
type Output struct {
	path string
	cfg  config

	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	size   int64
	closed bool
}

// New opens path for appending, creating it if needed.
func New(path string, opts ...Option) (*Output, error) {
	cfg := config{segments: 10, bufBytes: 64 << 10}
	for _, opt := range opts {
		opt(&cfg)
	}
	o := &Output{path: path, cfg: cfg}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

// Write appends the record's raw line.
func (o *Output) Write(_ context.Context, record model.Record) error {
	line, err := output.Line(record)
	if err != nil {
		return fmt.Errorf("archive %s: encode: %w", o.path, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.needsRotation(len(line)) {
		if err := o.rotate(); err != nil {
			return fmt.Errorf("archive %s: rotate: %w", o.path, err)
		}
	}

	n, err := o.buf.Write(line)
	o.size += int64(n)
	if err != nil {
		return fmt.Errorf("archive %s: %w", o.path, err)
	}
	if o.cfg.autoFlush {
		return o.flushLocked()
	}
	return nil
}

// Flush pushes buffered lines to the file.
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	return o.flushLocked()
}

// Close flushes and closes the file. Later calls are no-ops.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return errors.Join(o.flushLocked(), o.f.Close())
}

func (o *Output) needsRotation(next int) bool {
	return o.cfg.maxBytes > 0 && o.size > 0 && o.size+int64(next) > o.cfg.maxBytes
}

func (o *Output) flushLocked() error {
	if err := o.buf.Flush(); err != nil {
		return fmt.Errorf("archive %s: flush: %w", o.path, err)
	}
	return nil
}

func (o *Output) open() error {
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", o.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("archive: stat %s: %w", o.path, err)
	}
	o.f = f
	o.size = st.Size()
	if o.buf == nil {
		o.buf = bufio.NewWriterSize(f, o.cfg.bufBytes)
	} else {
		o.buf.Reset(f)
	}
	return nil
}
