package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/model"
)

type sliceSink struct {
	mu   sync.Mutex
	recs []model.Record
}

func (s *sliceSink) Add(r model.Record) {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
}

func (s *sliceSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *sliceSink) snapshot() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Record(nil), s.recs...)
}

type memArchive struct {
	mu   sync.Mutex
	recs []model.Record
}

func (a *memArchive) Write(_ context.Context, r model.Record) error {
	a.mu.Lock()
	a.recs = append(a.recs, r)
	a.mu.Unlock()
	return nil
}

func (a *memArchive) Close() error { return nil }

// stateLog records every transition a Connector makes.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) path() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer upgrades every request and hands the connection to handle.
func wsServer(t *testing.T, handle func(*websocket.Conn)) (*httptest.Server, model.Session) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(c)
	}))
	t.Cleanup(srv.Close)
	session := model.Session{
		ID:        "sess-1",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/sess-1",
	}
	return srv, session
}

func TestRunForwardsRecordsAndSkipsMalformed(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		frame := `{"ClientIP":"203.0.113.1","EdgeResponseStatus":200}` + "\n" +
			"\n" +
			`{"ClientIP":"203.0.113.2"` + "\n" +
			`{"ClientIP":"203.0.113.3","EdgeResponseStatus":404}` + "\n"
		c.WriteMessage(websocket.TextMessage, []byte(frame))
		c.WriteMessage(websocket.BinaryMessage, []byte(`{"ClientIP":"203.0.113.4"}`))
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		c.ReadMessage()
	})

	sink := &sliceSink{}
	archive := &memArchive{}
	states := &stateLog{}
	c := New(WithLogger(discardLogger()), WithArchive(archive), WithPollInterval(20*time.Millisecond), withStateObserver(states.record))

	reason, err := c.Run(context.Background(), session, sink)
	require.NoError(t, err)
	assert.Equal(t, connector.ExitRemoteClosed, reason)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateRemoteClosed, StateStopped}, states.path())

	recs := sink.snapshot()
	require.Len(t, recs, 3)
	assert.Equal(t, "203.0.113.1", recs[0].String("ClientIP"))
	assert.Equal(t, "203.0.113.3", recs[1].String("ClientIP"))
	assert.Equal(t, "203.0.113.4", recs[2].String("ClientIP"))
	assert.Equal(t, `{"ClientIP":"203.0.113.3","EdgeResponseStatus":404}`, string(recs[1].Raw))
	assert.Len(t, archive.recs, 3)
}

func TestRunAppliesFieldWhitelist(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"ClientIP":"192.0.2.9","RayID":"abc","EdgeResponseStatus":403}`))
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ReadMessage()
	})

	sink := &sliceSink{}
	c := New(WithLogger(discardLogger()), WithFields([]string{"ClientIP", "EdgeResponseStatus"}))
	_, err := c.Run(context.Background(), session, sink)
	require.NoError(t, err)

	recs := sink.snapshot()
	require.Len(t, recs, 1)
	_, ok := recs[0].Get("RayID")
	assert.False(t, ok, "RayID should be dropped by the whitelist")
	assert.Len(t, recs[0].Fields, 2)
}

func TestRenewalUnderContinuousTraffic(t *testing.T) {
	closeCode := make(chan *websocket.CloseError, 1)
	_, session := wsServer(t, func(c *websocket.Conn) {
		go func() {
			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					var ce *websocket.CloseError
					if errors.As(err, &ce) {
						closeCode <- ce
					}
					return
				}
			}
		}()
		for {
			if err := c.WriteMessage(websocket.TextMessage, []byte(`{"ClientIP":"198.51.100.1"}`)); err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	})

	sink := &sliceSink{}
	c := New(WithLogger(discardLogger()), WithRenewal(200*time.Millisecond), WithPollInterval(time.Second))

	start := time.Now()
	reason, err := c.Run(context.Background(), session, sink)
	require.NoError(t, err)
	assert.Equal(t, connector.ExitRenewal, reason)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "renewal must not wait for an idle tick")
	assert.Greater(t, sink.len(), 0)

	select {
	case ce := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
		assert.Equal(t, "session renewal", ce.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a close frame")
	}
}

func TestRenewalWhileIdleUsesClock(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"ClientIP":"198.51.100.7"}`))
		c.ReadMessage()
	})

	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	sink := &sliceSink{}
	states := &stateLog{}
	c := New(WithLogger(discardLogger()), WithRenewal(time.Hour), WithPollInterval(10*time.Millisecond),
		withClock(clock), withStateObserver(states.record))

	go func() {
		for sink.len() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		now.Add(int64(time.Hour))
	}()

	reason, err := c.Run(context.Background(), session, sink)
	require.NoError(t, err)
	assert.Equal(t, connector.ExitRenewal, reason)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateRenewing, StateStopped}, states.path())
}

func TestRunConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	states := &stateLog{}
	c := New(WithLogger(discardLogger()), withStateObserver(states.record))
	reason, err := c.Run(context.Background(), model.Session{ID: "x", StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, &sliceSink{})
	require.NoError(t, err)
	assert.Equal(t, connector.ExitConnectFailed, reason)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateConnecting, StateError, StateStopped}, states.path())
}

func TestRunTransportError(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"ClientIP":"203.0.113.8"}`))
		// Drop the TCP connection without a close frame.
		c.UnderlyingConn().Close()
	})

	sink := &sliceSink{}
	states := &stateLog{}
	c := New(WithLogger(discardLogger()), withStateObserver(states.record))
	reason, err := c.Run(context.Background(), session, sink)
	require.NoError(t, err)
	assert.Equal(t, connector.ExitTransportError, reason)
	assert.Equal(t, 1, sink.len())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateError, StateStopped}, states.path())
}

func TestRunCancelled(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		c.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := New(WithLogger(discardLogger()), WithPollInterval(10*time.Millisecond))

	go func() {
		for c.State() != StateActive {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	reason, err := c.Run(ctx, session, &sliceSink{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, connector.ExitCancelled, reason)
	assert.Equal(t, StateStopped, c.State())
}

func TestAbortUnblocksRun(t *testing.T) {
	_, session := wsServer(t, func(c *websocket.Conn) {
		c.ReadMessage()
	})

	c := New(WithLogger(discardLogger()), WithPollInterval(time.Hour))
	go func() {
		for c.State() != StateActive {
			time.Sleep(5 * time.Millisecond)
		}
		c.Abort()
		c.Abort()
	}()

	reason, err := c.Run(context.Background(), session, &sliceSink{})
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, connector.ExitCancelled, reason)
}

func TestAbortWithoutConnectionIsNoop(t *testing.T) {
	c := New()
	c.Abort()
	assert.Equal(t, StateIdle, c.State())
}
