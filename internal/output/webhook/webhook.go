// Package webhook delivers findings to an HTTP endpoint.
//
// Findings are buffered and posted as one delivery when the buffer reaches
// the batch size or the flush interval passes, whichever is first. Each
// delivery carries a UUID in the body and in the X-Edgewatch-Delivery header
// so receivers can discard the duplicates a retried POST may produce.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/retry"
)

// DeliveryHeader carries the delivery ID.
const DeliveryHeader = "X-Edgewatch-Delivery"

const maxAttempts = 4

// Delivery is the JSON body of one POST.
type Delivery struct {
	ID       string          `json:"delivery_id"`
	SentAt   time.Time       `json:"sent_at"`
	Findings []model.Finding `json:"findings"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithHeaders adds headers to every POST, e.g. an auth token.
func WithHeaders(h map[string]string) Option {
	return func(s *Sink) { s.headers = h }
}

// WithBatchSize sets how many findings trigger an immediate delivery.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets the longest a finding waits in the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTimeout bounds each POST.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) { s.client.Timeout = d }
}

// WithBackoff sets the first retry delay; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(s *Sink) { s.backoff = d }
}

// WithOnError observes failed background deliveries.
func WithOnError(f func(error)) Option {
	return func(s *Sink) { s.onError = f }
}

// Sink buffers findings and posts them from a background goroutine.
type Sink struct {
	url      string
	client   *http.Client
	headers  map[string]string
	backoff  time.Duration
	onError  func(error)
	interval time.Duration

	batchSize int
	mu        sync.Mutex
	pending   []model.Finding
	kick      chan struct{}

	stop      context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a sink posting to url.
func New(url string, opts ...Option) *Sink {
	s := &Sink{
		url:       url,
		client:    &http.Client{Timeout: 10 * time.Second},
		backoff:   time.Second,
		interval:  5 * time.Second,
		batchSize: 50,
		kick:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onError == nil {
		s.onError = func(err error) { slog.Warn("webhook delivery failed", "error", err) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.run(ctx)
	return s
}

// Upsert buffers findings. It never waits on the network; a full buffer
// wakes the delivery goroutine.
func (s *Sink) Upsert(_ context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, findings...)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close stops the delivery goroutine and posts whatever is still buffered,
// returning that final delivery's error.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		<-s.stopped
		s.closeErr = s.flush(context.Background())
	})
	return s.closeErr
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.flush(ctx); err != nil && ctx.Err() == nil {
			s.onError(err)
		}
	}
}

func (s *Sink) take() []model.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *Sink) requeue(batch []model.Finding) {
	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	s.mu.Unlock()
}

func (s *Sink) flush(ctx context.Context) error {
	batch := s.take()
	if len(batch) == 0 {
		return nil
	}
	d := Delivery{ID: uuid.NewString(), SentAt: time.Now().UTC(), Findings: batch}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("webhook: encode delivery: %w", err)
	}
	if err := s.post(ctx, d.ID, body); err != nil {
		if ctx.Err() != nil {
			// shutting down; Close sends it again
			s.requeue(batch)
		}
		return fmt.Errorf("webhook: delivery %s (%d findings): %w", d.ID, len(batch), err)
	}
	return nil
}

var errClientStatus = errors.New("rejected by receiver")

func (s *Sink) post(ctx context.Context, id string, body []byte) error {
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, s.backoff<<(attempt-1)); err != nil {
				return err
			}
		}
		status, err := s.send(ctx, id, body)
		switch {
		case err != nil:
			last = err
		case status/100 == 2:
			return nil
		case status < 500:
			return fmt.Errorf("%w: HTTP %d", errClientStatus, status)
		default:
			last = fmt.Errorf("HTTP %d", status)
		}
	}
	return last
}

func (s *Sink) send(ctx context.Context, id string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, id)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
