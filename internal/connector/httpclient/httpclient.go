// Package httpclient is the JSON-over-HTTPS client for bearer-authenticated
// control APIs. Rate limits and server errors are retried a bounded number
// of times; everything else is returned to the caller as an *APIError.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crimson-sun/edgewatch/internal/retry"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	errorExcerptLen   = 512
)

// APIError is a response outside the 2xx range.
type APIError struct {
	StatusCode int
	Body       string // excerpt for messages
	Payload    []byte // complete body, for decoding error envelopes
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithMaxRetries sets how many extra attempts a 429 or 5xx gets.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// WithBackoff sets the first retry delay and the ceiling it doubles up to.
// A Retry-After header is also capped at maxDelay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithHTTPClient swaps the underlying *http.Client. Apply WithTimeout after it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// Client sends JSON requests to one API base URL.
type Client struct {
	baseURL    string
	token      string
	hc         *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

// New returns a Client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON posts body and decodes a 2xx response into dest.
func (c *Client) PostJSON(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := c.send(ctx, http.MethodPost, path, payload, dest)
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.Retryable() || attempt >= c.maxRetries {
			return err
		}
		if err := retry.Sleep(ctx, c.delay(attempt, apiErr)); err != nil {
			return err
		}
	}
}

// CloseIdleConnections drops pooled keep-alive connections.
func (c *Client) CloseIdleConnections() {
	c.hc.CloseIdleConnections()
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		if dest == nil {
			return nil
		}
		return json.Unmarshal(body, dest)
	}

	excerpt := body
	if len(excerpt) > errorExcerptLen {
		excerpt = excerpt[:errorExcerptLen]
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(excerpt),
		Payload:    body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
}

// delay is the wait before retry number attempt+1: the server's Retry-After
// when given, otherwise base doubled per attempt, both capped at maxDelay.
func (c *Client) delay(attempt int, last *APIError) time.Duration {
	d := last.RetryAfter
	if d <= 0 {
		d = c.baseDelay << min(attempt, 16)
	}
	if c.maxDelay > 0 && d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
