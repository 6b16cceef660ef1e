// Package cloudflare registers the "cloudflare" connector: stream sessions
// minted by the zone's control API and consumed over a websocket.
package cloudflare

import (
	"log/slog"

	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/connector/httpclient"
	"github.com/crimson-sun/edgewatch/internal/connector/stream"
	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/metrics"
)

func init() {
	connector.Register("cloudflare", New)
}

// Connector pairs the zone's SessionProvider with a stream Connector.
type Connector struct {
	*SessionProvider
	*stream.Connector
}

// New builds a cloudflare Connector from cfg.
func New(cfg connector.ConnectorConfig, deps connector.Deps) (connector.Connector, error) {
	if cfg.APIKey == "" || cfg.ZoneID == "" {
		return nil, errkind.Newf(errkind.FatalConfig, "cloudflare.new", "api token and zone id are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sessionMetrics *metrics.SessionMetrics
	var streamMetrics *metrics.StreamMetrics
	if deps.Metrics != nil {
		sessionMetrics = deps.Metrics.Session
		streamMetrics = deps.Metrics.Stream
	}

	var clientOpts []httpclient.Option
	if cfg.RequestTimeout > 0 {
		clientOpts = append(clientOpts, httpclient.WithTimeout(cfg.RequestTimeout))
	}
	client := httpclient.New(endpoint, cfg.APIKey, clientOpts...)

	sessionOpts := []SessionOption{
		WithSessionLogger(logger),
		WithSessionMetrics(sessionMetrics),
	}
	if cfg.RetryDelay > 0 {
		sessionOpts = append(sessionOpts, WithRetryDelay(cfg.RetryDelay))
	}

	streamOpts := []stream.Option{
		stream.WithLogger(logger),
		stream.WithMetrics(streamMetrics),
		stream.WithFields(cfg.Fields),
	}
	if cfg.Renewal > 0 {
		streamOpts = append(streamOpts, stream.WithRenewal(cfg.Renewal))
	}
	if deps.Archive != nil {
		streamOpts = append(streamOpts, stream.WithArchive(deps.Archive))
	}

	return &Connector{
		SessionProvider: NewSessionProvider(client, cfg.ZoneID, cfg.Fields, cfg.SampleRate, cfg.Filter, sessionOpts...),
		Connector:       stream.New(streamOpts...),
	}, nil
}
