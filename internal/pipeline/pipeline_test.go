package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output/multi"
	"github.com/crimson-sun/edgewatch/internal/shutdown"
)

// --- mocks ---

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource returns exit reasons from script in order; once the script
// is exhausted, Run blocks until ctx is cancelled.
type scriptedSource struct {
	mu       sync.Mutex
	script   []connector.ExitReason
	sessions int
	runs     []time.Time
	active   atomic.Int32
	maxSeen  atomic.Int32
	running  chan struct{} // receives once per blocking Run
}

func (s *scriptedSource) Acquire(ctx context.Context) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, errkind.New(errkind.Cancelled, "acquire", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return model.Session{ID: fmt.Sprintf("s%d", s.sessions)}, nil
}

func (s *scriptedSource) Run(ctx context.Context, _ model.Session, _ connector.RecordSink) (connector.ExitReason, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	if n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}

	s.mu.Lock()
	s.runs = append(s.runs, time.Now())
	var next connector.ExitReason
	if len(s.script) > 0 {
		next, s.script = s.script[0], s.script[1:]
	}
	s.mu.Unlock()

	if next != "" {
		return next, nil
	}
	if s.running != nil {
		s.running <- struct{}{}
	}
	<-ctx.Done()
	return connector.ExitCancelled, ctx.Err()
}

func (s *scriptedSource) Abort() {}

func (s *scriptedSource) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type nopSink struct{}

func (nopSink) Add(model.Record) {}

// --- pipeline loop ---

func TestRenewalReconnectsWithoutDelay(t *testing.T) {
	src := &scriptedSource{
		script:  []connector.ExitReason{connector.ExitRenewal, connector.ExitRenewal},
		running: make(chan struct{}, 1),
	}
	p := New(src, nopSink{}, shutdown.NewSignal(), WithReconnectDelay(time.Hour), WithLogger(discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-src.running:
	case <-time.After(2 * time.Second):
		t.Fatal("third session never started; renewal should skip the reconnect delay")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, src.runCount())
	assert.EqualValues(t, 3, p.Cycles())
}

func TestFailureWaitsReconnectDelay(t *testing.T) {
	src := &scriptedSource{
		script:  []connector.ExitReason{connector.ExitRemoteClosed, connector.ExitTransportError},
		running: make(chan struct{}, 1),
	}
	p := New(src, nopSink{}, shutdown.NewSignal(), WithReconnectDelay(40*time.Millisecond), WithLogger(discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-src.running
	cancel()
	require.NoError(t, <-done)

	src.mu.Lock()
	runs := append([]time.Time(nil), src.runs...)
	src.mu.Unlock()
	require.Len(t, runs, 3)
	assert.GreaterOrEqual(t, runs[1].Sub(runs[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, runs[2].Sub(runs[1]), 40*time.Millisecond)
}

func TestNeverRunsTwoStreamsAtOnce(t *testing.T) {
	script := make([]connector.ExitReason, 20)
	for i := range script {
		script[i] = connector.ExitRenewal
	}
	src := &scriptedSource{script: script, running: make(chan struct{}, 1)}
	p := New(src, nopSink{}, shutdown.NewSignal(), WithLogger(discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-src.running
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, src.maxSeen.Load())
}

func TestSignalStopsDuringReconnectDelay(t *testing.T) {
	src := &scriptedSource{script: []connector.ExitReason{connector.ExitConnectFailed}}
	sig := shutdown.NewSignal()
	p := New(src, nopSink{}, sig, WithReconnectDelay(time.Hour), WithLogger(discard()))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	assert.Eventually(t, func() bool { return src.runCount() == 1 }, time.Second, 5*time.Millisecond)
	sig.Set()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline ignored the shutdown signal during its reconnect delay")
	}
	assert.Equal(t, 1, src.runCount())
}

func TestSignalSetBeforeStartNeverConnects(t *testing.T) {
	src := &scriptedSource{}
	sig := shutdown.NewSignal()
	sig.Set()
	p := New(src, nopSink{}, sig, WithLogger(discard()))

	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, src.runCount())
}

func TestCancelDuringStreamReturnsNil(t *testing.T) {
	src := &scriptedSource{running: make(chan struct{}, 1)}
	p := New(src, nopSink{}, shutdown.NewSignal(), WithLogger(discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-src.running
	cancel()
	assert.NoError(t, <-done)
}

// --- analysis dispatch ---

type fakeAnalyzer struct {
	findings []model.Finding
	err      error
	calls    atomic.Int32
}

func (a *fakeAnalyzer) Analyze(_ context.Context, records []model.Record) ([]model.Finding, error) {
	a.calls.Add(1)
	return a.findings, a.err
}

type memSink struct {
	mu  sync.Mutex
	got [][]model.Finding
	err error
}

func (s *memSink) Upsert(_ context.Context, fs []model.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, fs)
	return s.err
}

func (s *memSink) Close() error { return nil }

func batchOf(n int) model.Batch {
	b := model.Batch{ID: "b-1", Trigger: model.TriggerSize}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, model.Record{Raw: []byte(`{}`)})
	}
	return b
}

func TestDispatchDedupsAndFansOut(t *testing.T) {
	a := &fakeAnalyzer{findings: []model.Finding{
		{EntityType: "IP", EntityValue: "203.0.113.1", ConfidenceScore: 0.7},
		{EntityType: "IP", EntityValue: "203.0.113.1", ConfidenceScore: 0.9},
		{EntityType: "ASN", EntityValue: "64500", ConfidenceScore: 0.8},
	}}
	failing := &memSink{err: errors.New("webhook down")}
	healthy := &memSink{}
	d := NewAnalysisDispatcher(a, multi.NewSinks(failing, healthy), discard(), nil)

	d.Dispatch(context.Background(), batchOf(3))

	require.Len(t, healthy.got, 1)
	got := healthy.got[0]
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Count)
	assert.InDelta(t, 0.9, got[0].ConfidenceScore, 1e-9)
	assert.Len(t, failing.got, 1, "failing sink still receives the findings")
}

func TestDispatchDropsBatchOnAnalyzerError(t *testing.T) {
	a := &fakeAnalyzer{err: errkind.New(errkind.Analyzer, "test", errors.New("quota"))}
	sink := &memSink{}
	d := NewAnalysisDispatcher(a, sink, discard(), nil)

	d.Dispatch(context.Background(), batchOf(2))
	assert.EqualValues(t, 1, a.calls.Load())
	assert.Empty(t, sink.got)
}

func TestDispatchNoFindingsSkipsSinks(t *testing.T) {
	sink := &memSink{}
	d := NewAnalysisDispatcher(&fakeAnalyzer{}, sink, nil, nil)
	d.Dispatch(context.Background(), batchOf(1))
	assert.Empty(t, sink.got)
}
