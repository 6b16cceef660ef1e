package connector

import (
	"context"
	"time"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// SessionProvider mints streaming sessions from a provider's control API.
type SessionProvider interface {
	// Acquire blocks, retrying indefinitely, until a session is created or
	// ctx is cancelled.
	Acquire(ctx context.Context) (model.Session, error)
}

// RecordSink receives parsed records. Add must not block.
type RecordSink interface {
	Add(record model.Record)
}

// Streamer consumes one session for its whole lifetime.
type Streamer interface {
	// Run emits records to sink until the connection ends or ctx is
	// cancelled. The error is non-nil only on cancellation.
	Run(ctx context.Context, session model.Session, sink RecordSink) (ExitReason, error)

	// Abort force-closes the active connection, unblocking Run.
	Abort()
}

// Connector bundles the session and stream halves of one provider.
type Connector interface {
	SessionProvider
	Streamer

	// Close releases pooled control-API connections.
	Close() error
}

// ExitReason says why a Streamer.Run returned.
type ExitReason string

const (
	ExitConnectFailed  ExitReason = "connect_failed"
	ExitRenewal        ExitReason = "renewal"
	ExitRemoteClosed   ExitReason = "remote_closed"
	ExitTransportError ExitReason = "transport_error"
	ExitCancelled      ExitReason = "cancelled"
)

// ConnectorConfig holds provider-specific connection settings.
type ConnectorConfig struct {
	Provider       string
	APIKey         string
	ZoneID         string
	Endpoint       string
	Fields         []string
	SampleRate     int
	Filter         string
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	Renewal        time.Duration
}
