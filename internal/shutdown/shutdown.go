// Package shutdown runs the ordered teardown of the pipeline once a
// shutdown has been requested.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultGrace        = 5 * time.Second
	defaultFlushTimeout = 30 * time.Second
	defaultHookTimeout  = 10 * time.Second
)

// Hook is one teardown step.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// task is the long-running work cancelled during teardown.
type task struct {
	cancel context.CancelFunc
	done   <-chan struct{}
	force  func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGrace sets how long the task may take to return after cancellation
// before it is forced, and again after forcing. Default: 5s.
func WithGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithFlushTimeout bounds the flush and residual stages. Default: 30s.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.flushTimeout = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator owns the teardown sequence:
// flush, cancel (force after grace), residual flush, release, close.
type Coordinator struct {
	signal       *Signal
	grace        time.Duration
	flushTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	flush    []namedHook
	residual []namedHook
	release  []namedHook
	closers  []namedHook
	task     *task
}

// New creates a Coordinator driven by sig.
func New(sig *Signal, opts ...Option) *Coordinator {
	c := &Coordinator{
		signal:       sig,
		grace:        DefaultGrace,
		flushTimeout: defaultFlushTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "shutdown")
	return c
}

// Signal returns the signal this coordinator observes.
func (c *Coordinator) Signal() *Signal { return c.signal }

// OnFlush registers a hook run before the task is cancelled.
func (c *Coordinator) OnFlush(name string, h Hook) { c.add(&c.flush, name, h) }

// OnResidual registers a hook run after the task has stopped, for records
// that arrived while it was being cancelled.
func (c *Coordinator) OnResidual(name string, h Hook) { c.add(&c.residual, name, h) }

// OnRelease registers a hook that frees transport resources.
func (c *Coordinator) OnRelease(name string, h Hook) { c.add(&c.release, name, h) }

// OnClose registers a hook that closes persisted outputs. Close hooks run last.
func (c *Coordinator) OnClose(name string, h Hook) { c.add(&c.closers, name, h) }

func (c *Coordinator) add(list *[]namedHook, name string, h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*list = append(*list, namedHook{name: name, fn: h})
}

// SetTask registers the pipeline task: cancel stops it, done is closed when
// it has returned, and force (optional) unblocks it if cancel was not enough.
func (c *Coordinator) SetTask(cancel context.CancelFunc, done <-chan struct{}, force func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = &task{cancel: cancel, done: done, force: force}
}

// RequestShutdown raises the signal. It only flips the flag, so it is safe
// from a signal handler goroutine; calling it again has no effect.
func (c *Coordinator) RequestShutdown() {
	if c.signal.Set() {
		c.logger.Info("shutdown requested")
	}
}

// Wait blocks until shutdown is requested (or ctx is done, which counts as a
// request) and then runs the teardown. Errors from every stage are joined;
// a failing stage never skips the ones after it.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.signal.Done():
	case <-ctx.Done():
		c.RequestShutdown()
	}

	c.mu.Lock()
	flush := append([]namedHook(nil), c.flush...)
	residual := append([]namedHook(nil), c.residual...)
	release := append([]namedHook(nil), c.release...)
	closers := append([]namedHook(nil), c.closers...)
	t := c.task
	c.mu.Unlock()

	start := time.Now()
	var errs []error
	errs = append(errs, c.runStage("flush", flush, c.flushTimeout)...)
	if t != nil {
		c.stopTask(t)
	}
	errs = append(errs, c.runStage("residual", residual, c.flushTimeout)...)
	errs = append(errs, c.runStage("release", release, defaultHookTimeout)...)
	errs = append(errs, c.runStage("close", closers, defaultHookTimeout)...)

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Error("shutdown finished with errors", "elapsed", time.Since(start).String(), "error", err)
	} else {
		c.logger.Info("shutdown complete", "elapsed", time.Since(start).String())
	}
	return err
}

func (c *Coordinator) runStage(stage string, hooks []namedHook, timeout time.Duration) []error {
	var errs []error
	for _, h := range hooks {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := h.fn(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("shutdown hook failed", "stage", stage, "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", stage, h.name, err))
			continue
		}
		c.logger.Debug("shutdown hook done", "stage", stage, "hook", h.name)
	}
	return errs
}

// stopTask cancels the task and waits up to grace; if it has not returned
// it is forced and given one more grace period.
func (c *Coordinator) stopTask(t *task) {
	t.cancel()
	if waitFor(t.done, c.grace) {
		return
	}
	c.logger.Warn("pipeline did not stop within grace period, forcing", "grace", c.grace.String())
	if t.force != nil {
		t.force()
	}
	if !waitFor(t.done, c.grace) {
		c.logger.Error("pipeline still running after force, continuing teardown")
	}
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
