package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/crimson-sun/edgewatch/internal/connector/httpclient"
	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/retry"
)

const (
	// DefaultEndpoint is the public control API base URL.
	DefaultEndpoint   = "https://api.cloudflare.com/client/v4"
	defaultRetryDelay = 30 * time.Second

	// codeSessionActive means another consumer already holds the zone's stream.
	codeSessionActive = 1303
)

// sessionRequest is the body of a stream job request.
type sessionRequest struct {
	Fields string `json:"fields"`
	Sample int    `json:"sample"`
	Filter string `json:"filter"`
	Kind   string `json:"kind"`
}

// envelope is the control API response wrapper.
type envelope struct {
	Success  bool         `json:"success"`
	Errors   []apiMessage `json:"errors"`
	Messages []apiMessage `json:"messages"`
	Result   *jobResult   `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jobResult struct {
	ID              json.RawMessage `json:"id"`
	DestinationConf string          `json:"destination_conf"`
}

func (e envelope) conflict() bool {
	for _, m := range e.Errors {
		if m.Code == codeSessionActive {
			return true
		}
	}
	return false
}

func (e envelope) errorText() string {
	if len(e.Errors) == 0 {
		return "unknown error from control API"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		parts = append(parts, fmt.Sprintf("%d: %s", m.Code, m.Message))
	}
	return strings.Join(parts, "; ")
}

// SessionOption configures a SessionProvider.
type SessionOption func(*SessionProvider)

// WithRetryDelay sets the fixed wait between failed attempts. Default: 30s.
func WithRetryDelay(d time.Duration) SessionOption {
	return func(p *SessionProvider) { p.retryDelay = d }
}

// WithSessionLogger sets the logger. Default: slog.Default().
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(p *SessionProvider) { p.logger = l }
}

// WithSessionMetrics sets the session collectors. nil disables metrics.
func WithSessionMetrics(m *metrics.SessionMetrics) SessionOption {
	return func(p *SessionProvider) { p.metrics = m }
}

// SessionProvider mints streaming sessions for one zone.
type SessionProvider struct {
	client     *httpclient.Client
	path       string
	request    sessionRequest
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.SessionMetrics
	now        func() time.Time
}

// NewSessionProvider creates a provider that requests sessions for zoneID
// carrying the given field whitelist, sample rate and filter expression.
func NewSessionProvider(client *httpclient.Client, zoneID string, fields []string, sample int, filter string, opts ...SessionOption) *SessionProvider {
	p := &SessionProvider{
		client: client,
		path:   "/zones/" + url.PathEscape(zoneID) + "/logpush/edge/jobs",
		request: sessionRequest{
			Fields: strings.Join(fields, ","),
			Sample: sample,
			Filter: filter,
			Kind:   "instant-logs",
		},
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "session")
	return p
}

// Acquire requests a session, retrying forever with a fixed delay, until one
// is created or ctx is cancelled.
func (p *SessionProvider) Acquire(ctx context.Context) (model.Session, error) {
	var session model.Session
	err := retry.Forever(ctx, p.retryDelay, func(attempt int) error {
		p.logger.Info("requesting stream session", "attempt", attempt)
		s, err := p.create(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	}, func(attempt int, err error) {
		if errkind.Is(err, errkind.SessionConflict) {
			p.metrics.Attempt("conflict")
			p.logger.Warn("stream session already active for zone, waiting",
				"attempt", attempt, "retry_in", p.retryDelay.String(), "error", err)
			return
		}
		p.metrics.Attempt("error")
		p.logger.Error("stream session request failed",
			"attempt", attempt, "retry_in", p.retryDelay.String(), "error", err)
	})
	if err != nil {
		return model.Session{}, errkind.New(errkind.Cancelled, "cloudflare.acquire", err)
	}

	p.metrics.Attempt("success")
	p.logger.Info("stream session created", "session_id", session.ID, "job_id", session.JobID)
	return session, nil
}

// Close releases pooled control-API connections.
func (p *SessionProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// create performs one request and classifies its failure.
func (p *SessionProvider) create(ctx context.Context) (model.Session, error) {
	const op = "cloudflare.create_session"

	var env envelope
	if err := p.client.PostJSON(ctx, p.path, p.request, &env); err != nil {
		// Error statuses still carry the envelope; 1303 can arrive on any of them.
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) {
			var body envelope
			if json.Unmarshal(apiErr.Payload, &body) == nil && body.conflict() {
				return model.Session{}, errkind.Newf(errkind.SessionConflict, op, "%s", body.errorText())
			}
		}
		return model.Session{}, errkind.New(errkind.Transient, op, err)
	}

	if !env.Success {
		if env.conflict() {
			return model.Session{}, errkind.Newf(errkind.SessionConflict, op, "%s", env.errorText())
		}
		return model.Session{}, errkind.Newf(errkind.Transient, op, "%s", env.errorText())
	}
	if env.Result == nil || env.Result.DestinationConf == "" {
		return model.Session{}, errkind.Newf(errkind.Transient, op, "response has no destination_conf")
	}

	id, err := sessionID(env.Result.DestinationConf)
	if err != nil {
		return model.Session{}, errkind.New(errkind.Transient, op, err)
	}
	return model.Session{
		ID:        id,
		StreamURL: env.Result.DestinationConf,
		JobID:     rawID(env.Result.ID),
		CreatedAt: p.now(),
	}, nil
}

// sessionID validates the stream URL and returns its trailing path segment.
func sessionID(streamURL string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("invalid destination_conf %q: %w", streamURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("destination_conf %q: unsupported scheme %q", streamURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("destination_conf %q: missing host", streamURL)
	}
	id := u.Path[strings.LastIndex(u.Path, "/")+1:]
	if id == "" {
		return "", fmt.Errorf("destination_conf %q: missing session id", streamURL)
	}
	return id, nil
}

// rawID renders a JSON id that may be a number or a string.
func rawID(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
