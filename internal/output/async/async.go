// Package async puts a bounded queue in front of an archive output so the
// stream reader never waits on disk.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("archive queue closed")

// ErrDrainTimeout is joined into Close's error when queued records were
// abandoned.
var ErrDrainTimeout = errors.New("archive queue drain timed out")

type settings struct {
	capacity     int
	drainTimeout time.Duration
	dropOnFull   bool
	onError      func(error)
	logger       *slog.Logger
	metrics      *metrics.ArchiveMetrics
}

// Option configures a Writer.
type Option func(*settings)

// WithBufferSize sets the queue capacity. Default 1024.
func WithBufferSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithOnError observes every failed inner write. The default logs a warning.
func WithOnError(f func(error)) Option {
	return func(s *settings) { s.onError = f }
}

// WithDropOnFull discards records instead of blocking when the queue is full.
func WithDropOnFull() Option {
	return func(s *settings) { s.dropOnFull = true }
}

// WithDrainTimeout bounds how long Close waits for queued records.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *settings) { s.drainTimeout = d }
}

// WithLogger sets the logger for drop and drain warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics reports queue depth and write outcomes.
func WithMetrics(m *metrics.ArchiveMetrics) Option {
	return func(s *settings) { s.metrics = m }
}

// Writer forwards records to the wrapped output from a single background
// goroutine. Inner write errors go to the error callback, never to the caller.
type Writer struct {
	inner output.Output
	cfg   settings

	queue   chan model.Record
	stopped chan struct{}
	abort   context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New starts the writer goroutine and returns the queue.
func New(inner output.Output, opts ...Option) *Writer {
	cfg := settings{
		capacity:     1024,
		drainTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.onError == nil {
		logger := cfg.logger
		cfg.onError = func(err error) { logger.Warn("archive write failed", "error", err) }
	}

	w := &Writer{
		inner:   inner,
		cfg:     cfg,
		queue:   make(chan model.Record, cfg.capacity),
		stopped: make(chan struct{}),
	}
	w.abort, w.cancel = context.WithCancel(context.Background())
	go w.loop()
	return w
}

// Write enqueues record. It blocks while the queue is full unless the writer
// drops on full, in which case the record is counted and discarded.
func (w *Writer) Write(ctx context.Context, record model.Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}

	if !w.cfg.dropOnFull {
		select {
		case w.queue <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.cfg.metrics.Queued(len(w.queue))
		return nil
	}

	select {
	case w.queue <- record:
		w.cfg.metrics.Queued(len(w.queue))
	default:
		w.cfg.metrics.Dropped()
		n := w.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			w.cfg.logger.Warn("archive queue full, dropping records", "dropped_total", n)
		}
	}
	return nil
}

// Dropped is the number of records discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting records, waits up to the drain timeout for the queue
// to empty, and closes the inner output. Records still queued after the
// timeout are abandoned and ErrDrainTimeout is returned with the close error.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		timer := time.NewTimer(w.cfg.drainTimeout)
		defer timer.Stop()

		var drainErr error
		select {
		case <-w.stopped:
		case <-timer.C:
			pending := len(w.queue)
			w.cancel()
			<-w.stopped
			w.cfg.logger.Warn("archive queue drain timed out", "abandoned", pending)
			drainErr = fmt.Errorf("%w: %d records abandoned", ErrDrainTimeout, pending)
		}
		w.cancel()
		w.closeErr = errors.Join(drainErr, w.inner.Close())
	})
	return w.closeErr
}

func (w *Writer) loop() {
	defer close(w.stopped)
	for record := range w.queue {
		if w.abort.Err() != nil {
			continue
		}
		if err := w.inner.Write(w.abort, record); err != nil {
			w.cfg.metrics.Failed()
			w.cfg.onError(err)
		} else {
			w.cfg.metrics.Written()
		}
		w.cfg.metrics.Queued(len(w.queue))
	}
}
