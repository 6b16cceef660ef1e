// Package stream consumes one streaming session over a websocket and turns
// every newline-delimited JSON line it receives into a model.Record.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

const (
	defaultRenewal          = 55 * time.Minute
	defaultPollInterval     = time.Second
	defaultHandshakeTimeout = 45 * time.Second
	closeWriteTimeout       = time.Second
)

// ErrAborted is returned by Run when Abort force-closed the connection.
var ErrAborted = errors.New("stream aborted")

// State is the lifecycle state of the connector.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateRenewing
	StateError
	StateRemoteClosed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateError:
		return "error"
	case StateRemoteClosed:
		return "remote_closed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Connector.
type Option func(*Connector)

// WithRenewal sets the session lifetime after which the connection is closed
// voluntarily. Default: 55m.
func WithRenewal(d time.Duration) Option {
	return func(c *Connector) { c.renewal = d }
}

// WithPollInterval sets how often the renewal deadline is checked while the
// connection is idle. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(c *Connector) { c.poll = d }
}

// WithFields restricts parsed records to the given field whitelist.
func WithFields(fields []string) Option {
	return func(c *Connector) { c.fields = model.NewFieldSet(fields) }
}

// WithArchive writes every parsed record to out before it reaches the sink.
func WithArchive(out output.Output) Option {
	return func(c *Connector) { c.archive = out }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// WithMetrics sets the stream collectors. nil disables metrics.
func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

func withClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

func withStateObserver(f func(State)) Option {
	return func(c *Connector) { c.observe = f }
}

// Connector runs one websocket connection per session. It is reusable across
// sessions but runs at most one connection at a time.
type Connector struct {
	dialer  *websocket.Dialer
	renewal time.Duration
	poll    time.Duration
	fields  model.FieldSet
	archive output.Output
	logger  *slog.Logger
	metrics *metrics.StreamMetrics
	now     func() time.Time
	observe func(State)

	state   atomic.Int32
	aborted atomic.Bool
	mu      sync.Mutex
	active  *conn
}

// New creates a stream Connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		renewal: defaultRenewal,
		poll:    defaultPollInterval,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream")
	return c
}

// State reports the current lifecycle state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	if c.observe != nil {
		c.observe(s)
	}
}

// Run connects to session.StreamURL and forwards records to sink until the
// renewal deadline passes, the remote side closes, the transport fails, or
// ctx is cancelled. Only cancellation returns a non-nil error.
func (c *Connector) Run(ctx context.Context, session model.Session, sink connector.RecordSink) (connector.ExitReason, error) {
	log := c.logger.With("session_id", session.ID)
	c.aborted.Store(false)
	c.setState(StateConnecting)

	if err := ctx.Err(); err != nil {
		return c.stop(connector.ExitCancelled), err
	}

	ws, _, err := c.dialer.DialContext(ctx, session.StreamURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return c.stop(connector.ExitCancelled), ctx.Err()
		}
		log.Error("stream connect failed", "error", errkind.New(errkind.Transport, "stream.dial", err))
		return c.finish(connector.ExitConnectFailed, StateError), nil
	}

	cn := &conn{ws: ws}
	c.mu.Lock()
	c.active = cn
	c.mu.Unlock()
	defer func() {
		cn.close(0, "")
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	connectedAt := c.now()
	deadline := connectedAt.Add(c.renewal)
	c.setState(StateActive)
	c.metrics.Connected()
	log.Info("stream connected", "renew_at", deadline.Format(time.RFC3339))

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		// Checked every iteration so a busy stream still renews on time.
		if !c.now().Before(deadline) {
			c.setState(StateRenewing)
			log.Info("renewing session", "connected_for", c.now().Sub(connectedAt).Round(time.Second).String())
			cn.close(websocket.CloseNormalClosure, "session renewal")
			return c.stop(connector.ExitRenewal), nil
		}

		select {
		case <-ctx.Done():
			cn.close(websocket.CloseNormalClosure, "shutdown")
			log.Info("stream stopped", "reason", "cancelled")
			return c.stop(connector.ExitCancelled), ctx.Err()

		case data := <-frames:
			c.handleFrame(ctx, log, data, sink)

		case err := <-readErr:
			if ctx.Err() != nil {
				return c.stop(connector.ExitCancelled), ctx.Err()
			}
			if c.aborted.Load() {
				return c.stop(connector.ExitCancelled), ErrAborted
			}
			// gorilla reports a dropped socket as 1006; that is a transport failure.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				log.Warn("stream closed by remote", "code", closeErr.Code, "text", closeErr.Text)
				return c.finish(connector.ExitRemoteClosed, StateRemoteClosed), nil
			}
			log.Error("stream transport error", "error", errkind.New(errkind.Transport, "stream.read", err))
			return c.finish(connector.ExitTransportError, StateError), nil

		case <-ticker.C:
		}
	}
}

// Abort force-closes the active connection, unblocking Run.
func (c *Connector) Abort() {
	c.mu.Lock()
	cn := c.active
	c.mu.Unlock()
	if cn == nil {
		return
	}
	c.aborted.Store(true)
	cn.close(0, "")
}

// stop ends every Run; the connector is Stopped until the next Run.
func (c *Connector) stop(reason connector.ExitReason) connector.ExitReason {
	c.setState(StateStopped)
	c.metrics.Closed(string(reason))
	return reason
}

// finish passes through the failure state s before stopping.
func (c *Connector) finish(reason connector.ExitReason, s State) connector.ExitReason {
	c.setState(s)
	return c.stop(reason)
}

// handleFrame splits one frame into lines and forwards every valid record.
func (c *Connector) handleFrame(ctx context.Context, log *slog.Logger, data []byte, sink connector.RecordSink) {
	c.metrics.Frame()
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, err := model.ParseRecord(line, c.fields)
		if err != nil {
			log.Warn("skipping malformed record",
				"line", i+1,
				"error", errkind.New(errkind.RecordParse, "stream.parse", err))
			c.metrics.ParseError()
			continue
		}
		if c.archive != nil {
			if err := c.archive.Write(ctx, rec); err != nil {
				log.Warn("archive write failed", "error", err)
				c.metrics.ArchiveError()
			}
		}
		sink.Add(rec)
		c.metrics.Record()
	}
}

// conn closes its websocket at most once.
type conn struct {
	ws   *websocket.Conn
	once sync.Once
}

// close sends a close frame when code is non-zero, then closes the socket.
func (cn *conn) close(code int, text string) {
	cn.once.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, text)
			_ = cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		}
		_ = cn.ws.Close()
	})
}
