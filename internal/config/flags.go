package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied, so environment and file values survive unset flags.
type Flags struct {
	fs *pflag.FlagSet

	configPath     string
	zoneID         string
	endpoint       string
	fields         []string
	sample         int
	filter         string
	batchSize      int
	batchInterval  time.Duration
	renewal        time.Duration
	retryDelay     time.Duration
	reconnectDelay time.Duration
	shutdownGrace  time.Duration
	outputFile     string
	echo           bool
	rulesFile      string
	rulesHost      string
	webhookURL     string
	analyzerModel  string
	metricsAddr    string
	logLevel       string
	logFormat      string
}

// RegisterFlags defines every override on fs. Call fs.Parse before ConfigPath or Apply.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file (env EDGEWATCH_CONFIG)")
	fs.StringVar(&f.zoneID, "zone", "", "zone identifier (env CLOUDFLARE_ZONE_ID)")
	fs.StringVar(&f.endpoint, "endpoint", d.Connector.Endpoint, "control API base URL")
	fs.StringSliceVar(&f.fields, "fields", d.Connector.Fields, "log fields to request")
	fs.IntVar(&f.sample, "sample", d.Connector.SampleRate, "sample rate, 1-100")
	fs.StringVar(&f.filter, "filter", "", "provider filter expression (JSON string)")
	fs.IntVar(&f.batchSize, "batch-size", d.Batch.MaxSize, "records per analysis batch")
	fs.DurationVar(&f.batchInterval, "batch-interval", d.Batch.FlushInterval, "maximum batch age before flush")
	fs.DurationVar(&f.renewal, "session-renewal", d.Stream.RenewalInterval, "proactive session renewal interval")
	fs.DurationVar(&f.retryDelay, "retry-delay", d.Connector.RetryDelay, "delay between session creation attempts")
	fs.DurationVar(&f.reconnectDelay, "reconnect-delay", d.Stream.ReconnectDelay, "delay before a new session after a connection ends")
	fs.DurationVar(&f.shutdownGrace, "shutdown-grace", d.ShutdownGrace, "time allowed for the stream to stop on shutdown")
	fs.StringVarP(&f.outputFile, "output", "o", d.Output.File, "NDJSON archive of raw records (empty disables)")
	fs.BoolVar(&f.echo, "echo", false, "also write raw records to stdout")
	fs.StringVar(&f.rulesFile, "rules-file", "", "tfvars file to upsert generated WAF rules into")
	fs.StringVar(&f.rulesHost, "rules-host", "", "hostname generated WAF rules are scoped to")
	fs.StringVar(&f.webhookURL, "webhook", "", "URL to POST findings to")
	fs.StringVar(&f.analyzerModel, "model", d.Analyzer.Model, "analysis model name")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "debug, info, warn, or error")
	fs.StringVar(&f.logFormat, "log-format", d.Log.Format, "text or json")
	return f
}

// ConfigPath returns the --config value, falling back to EDGEWATCH_CONFIG.
func (f *Flags) ConfigPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	return getenv("EDGEWATCH_CONFIG", "")
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	set := func(name string, apply func()) {
		if f.fs.Changed(name) {
			apply()
		}
	}
	set("zone", func() { cfg.Connector.ZoneID = f.zoneID })
	set("endpoint", func() { cfg.Connector.Endpoint = f.endpoint })
	set("fields", func() { cfg.Connector.Fields = f.fields })
	set("sample", func() { cfg.Connector.SampleRate = f.sample })
	set("filter", func() { cfg.Connector.Filter = f.filter })
	set("batch-size", func() { cfg.Batch.MaxSize = f.batchSize })
	set("batch-interval", func() { cfg.Batch.FlushInterval = f.batchInterval })
	set("session-renewal", func() { cfg.Stream.RenewalInterval = f.renewal })
	set("retry-delay", func() { cfg.Connector.RetryDelay = f.retryDelay })
	set("reconnect-delay", func() { cfg.Stream.ReconnectDelay = f.reconnectDelay })
	set("shutdown-grace", func() { cfg.ShutdownGrace = f.shutdownGrace })
	set("output", func() { cfg.Output.File = f.outputFile })
	set("echo", func() { cfg.Output.Echo = f.echo })
	set("rules-file", func() { cfg.Rules.File = f.rulesFile })
	set("rules-host", func() { cfg.Rules.Host = f.rulesHost })
	set("webhook", func() { cfg.Output.WebhookURL = f.webhookURL })
	set("model", func() { cfg.Analyzer.Model = f.analyzerModel })
	set("metrics-addr", func() { cfg.MetricsAddr = f.metricsAddr })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", func() { cfg.Log.Format = f.logFormat })
}
