// Package batcher groups records into bounded batches and hands each batch to
// a Dispatcher once it is full or old enough.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
)

const (
	DefaultMaxSize      = 15
	DefaultMaxAge       = 15 * time.Second
	defaultTickInterval = time.Second
	defaultMaxInflight  = 4
)

// Dispatcher consumes completed batches. Failures are the dispatcher's to
// log; a batch is never handed over twice.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch model.Batch)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, batch model.Batch)

func (f DispatcherFunc) Dispatch(ctx context.Context, batch model.Batch) { f(ctx, batch) }

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxSize sets the record count that triggers a flush. Default: 15.
func WithMaxSize(n int) Option {
	return func(b *Batcher) { b.maxSize = n }
}

// WithMaxAge sets the time since the last flush after which a non-empty
// buffer is flushed. Default: 15s.
func WithMaxAge(d time.Duration) Option {
	return func(b *Batcher) { b.maxAge = d }
}

// WithTickInterval sets how often Run evaluates the age trigger. Default: 1s.
func WithTickInterval(d time.Duration) Option {
	return func(b *Batcher) { b.tick = d }
}

// WithMaxInflight bounds concurrent background dispatches. Default: 4.
func WithMaxInflight(n int) Option {
	return func(b *Batcher) { b.maxInflight = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithMetrics sets the batcher collectors. nil disables metrics.
func WithMetrics(m *metrics.BatcherMetrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// Batcher accumulates records and flushes them as batches. Add never blocks;
// full batches are dispatched on their own goroutine so ingestion is not
// throttled by analysis latency.
type Batcher struct {
	dispatcher  Dispatcher
	maxSize     int
	maxAge      time.Duration
	tick        time.Duration
	maxInflight int
	logger      *slog.Logger
	metrics     *metrics.BatcherMetrics
	now         func() time.Time

	mu        sync.Mutex
	buf       []model.Record
	openedAt  time.Time
	lastFlush time.Time
	seq       uint64
	running   map[uint64]chan struct{} // background dispatches, closed when done

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	sem            chan struct{}
}

// New creates a Batcher that hands batches to d.
func New(d Dispatcher, opts ...Option) *Batcher {
	b := &Batcher{
		dispatcher:  d,
		maxSize:     DefaultMaxSize,
		maxAge:      DefaultMaxAge,
		tick:        defaultTickInterval,
		maxInflight: defaultMaxInflight,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxSize < 1 {
		b.maxSize = 1
	}
	if b.maxInflight < 1 {
		b.maxInflight = 1
	}
	b.logger = b.logger.With("component", "batcher")
	b.lastFlush = b.now()
	b.sem = make(chan struct{}, b.maxInflight)
	b.running = make(map[uint64]chan struct{})
	b.dispatchCtx, b.cancelDispatch = context.WithCancel(context.Background())
	return b
}

// Add appends a record. When the buffer reaches the size bound it is swapped
// out and dispatched in the background.
func (b *Batcher) Add(record model.Record) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.openedAt = b.now()
	}
	b.buf = append(b.buf, record)
	if len(b.buf) < b.maxSize {
		n := len(b.buf)
		b.mu.Unlock()
		b.metrics.Buffered(n)
		return
	}
	batch := b.takeLocked(model.TriggerSize)
	id, done := b.trackLocked()
	b.mu.Unlock()

	b.metrics.Buffered(0)
	b.dispatchAsync(batch, id, done)
}

// Len returns the number of buffered records.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Run evaluates the age trigger every tick until ctx is done.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.checkAge()
		}
	}
}

func (b *Batcher) checkAge() {
	b.mu.Lock()
	if len(b.buf) == 0 || b.now().Sub(b.lastFlush) < b.maxAge {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(model.TriggerAge)
	id, done := b.trackLocked()
	b.mu.Unlock()

	b.metrics.Buffered(0)
	b.dispatchAsync(batch, id, done)
}

// Flush synchronously dispatches whatever is buffered, bypassing both
// triggers. It returns the number of records flushed.
func (b *Batcher) Flush(ctx context.Context, trigger model.Trigger) int {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return 0
	}
	batch := b.takeLocked(trigger)
	b.mu.Unlock()

	b.metrics.Buffered(0)
	b.logger.Info("flushing batch", "batch_id", batch.ID, "records", batch.Len(), "trigger", string(trigger))
	b.dispatcher.Dispatch(ctx, batch)
	return batch.Len()
}

// Drain is the flush step taken while records may still be arriving: it
// dispatches the buffer synchronously and waits for the background
// dispatches that were already running when it was called. Batches formed
// after that are left to Settle. If ctx ends first ctx.Err() is returned and
// nothing is cancelled.
func (b *Batcher) Drain(ctx context.Context) error {
	b.mu.Lock()
	started := b.runningLocked()
	b.mu.Unlock()

	b.Flush(ctx, model.TriggerShutdown)
	if err := waitAll(ctx, started); err != nil {
		b.logger.Warn("drain deadline reached, batches still in flight", "error", err)
		return err
	}
	return nil
}

// Settle is the last step, once nothing adds records any more: it flushes
// the remainder and waits until no background dispatch is running. If ctx
// ends first the remaining dispatches are cancelled and ctx.Err() is
// returned. Settle returns the number of records it flushed itself.
func (b *Batcher) Settle(ctx context.Context) (int, error) {
	n := b.Flush(ctx, model.TriggerShutdown)
	for {
		b.mu.Lock()
		running := b.runningLocked()
		b.mu.Unlock()
		if len(running) == 0 {
			return n, nil
		}
		if err := waitAll(ctx, running); err != nil {
			b.cancelDispatch()
			b.logger.Warn("settle deadline reached, cancelling in-flight batches", "batches", len(running))
			return n, err
		}
	}
}

func waitAll(ctx context.Context, chans []chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runningLocked snapshots the done channels of running dispatches.
func (b *Batcher) runningLocked() []chan struct{} {
	out := make([]chan struct{}, 0, len(b.running))
	for _, ch := range b.running {
		out = append(out, ch)
	}
	return out
}

// trackLocked registers a dispatch about to start. Caller must hold b.mu.
func (b *Batcher) trackLocked() (uint64, chan struct{}) {
	b.seq++
	done := make(chan struct{})
	b.running[b.seq] = done
	return b.seq, done
}

// takeLocked swaps the buffer out as a batch. Caller must hold b.mu.
func (b *Batcher) takeLocked(trigger model.Trigger) model.Batch {
	now := b.now()
	batch := model.Batch{
		ID:        uuid.NewString(),
		Records:   b.buf,
		OpenedAt:  b.openedAt,
		FlushedAt: now,
		Trigger:   trigger,
	}
	b.buf = nil
	b.lastFlush = now
	b.metrics.Flushed(string(trigger), batch.Len())
	return batch
}

func (b *Batcher) dispatchAsync(batch model.Batch, id uint64, done chan struct{}) {
	b.metrics.Inflight(1)
	b.logger.Debug("dispatching batch", "batch_id", batch.ID, "records", batch.Len(), "trigger", string(batch.Trigger))
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.running, id)
			b.mu.Unlock()
			close(done)
			b.metrics.Inflight(-1)
		}()

		select {
		case b.sem <- struct{}{}:
		case <-b.dispatchCtx.Done():
			b.logger.Warn("batch cancelled before dispatch", "batch_id", batch.ID, "records", batch.Len())
			return
		}
		defer func() { <-b.sem }()
		b.dispatcher.Dispatch(b.dispatchCtx, batch)
	}()
}
