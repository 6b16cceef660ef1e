package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/shutdown"
)

const DefaultReconnectDelay = 10 * time.Second

// Source is the session-and-stream half of a connector.
type Source interface {
	connector.SessionProvider
	connector.Streamer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReconnectDelay sets the wait between a stream ending and the next
// session request. Default: 10s.
func WithReconnectDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.reconnectDelay = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline repeatedly acquires a session and streams it into sink until
// shutdown. At most one stream runs at a time.
type Pipeline struct {
	source         Source
	sink           connector.RecordSink
	signal         *shutdown.Signal
	reconnectDelay time.Duration
	logger         *slog.Logger
	cycles         atomic.Int64
}

// New creates a Pipeline streaming from source into sink. sig stops the loop
// between streams; ctx cancellation stops it at any point.
func New(source Source, sink connector.RecordSink, sig *shutdown.Signal, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:         source,
		sink:           sink,
		signal:         sig,
		reconnectDelay: DefaultReconnectDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Cycles returns how many sessions have been streamed.
func (p *Pipeline) Cycles() int64 { return p.cycles.Load() }

// Run blocks until shutdown is signalled or ctx is cancelled. It returns nil
// on a clean stop; stream and session failures are retried, never returned.
func (p *Pipeline) Run(ctx context.Context) error {
	for cycle := int64(1); ; cycle++ {
		if p.stopping(ctx) {
			p.logger.Info("pipeline stopped", "cycles", cycle-1)
			return nil
		}

		session, err := p.source.Acquire(ctx)
		if err != nil {
			if p.stopping(ctx) {
				p.logger.Info("pipeline stopped while acquiring session", "cycles", cycle-1)
				return nil
			}
			p.logger.Error("session acquisition failed", "cycle", cycle, "error", err)
			if !p.wait(ctx, p.reconnectDelay) {
				return nil
			}
			continue
		}
		if p.signal.IsSet() {
			p.logger.Info("shutdown requested, not connecting", "session_id", session.ID)
			return nil
		}

		log := p.logger.With("session_id", session.ID, "cycle", cycle)
		log.Info("streaming session")
		p.cycles.Add(1)
		reason, _ := p.source.Run(ctx, session, p.sink)
		log.Info("stream ended", "reason", string(reason))

		switch {
		case reason == connector.ExitCancelled || p.stopping(ctx):
			log.Info("pipeline stopped", "cycles", cycle)
			return nil
		case reason == connector.ExitRenewal:
			// The old session is closed on purpose; request the next one now.
			continue
		}

		log.Info("reconnecting", "delay", p.reconnectDelay.String())
		if !p.wait(ctx, p.reconnectDelay) {
			log.Info("pipeline stopped during reconnect delay", "cycles", cycle)
			return nil
		}
	}
}

func (p *Pipeline) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || p.signal.IsSet()
}

// wait sleeps for d and reports false if shutdown interrupted it.
func (p *Pipeline) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.signal.Done():
		return false
	case <-t.C:
		return true
	}
}
