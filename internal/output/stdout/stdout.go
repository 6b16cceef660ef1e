// Package stdout echoes archived records to standard output for piping into
// jq or another NDJSON consumer.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// Output writes one record per line. Lines from concurrent writers never
// interleave.
type Output struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// New echoes to os.Stdout.
func New() *Output { return NewWriter(os.Stdout) }

// NewWriter echoes to w.
func NewWriter(w io.Writer) *Output {
	return &Output{w: w}
}

func (o *Output) Write(_ context.Context, record model.Record) error {
	line, err := output.Line(record)
	if err != nil {
		return fmt.Errorf("stdout: encode record: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return os.ErrClosed
	}
	if _, err := o.w.Write(line); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	return nil
}

// Close stops further writes. The underlying writer stays open; stdout is
// not ours to close.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}
