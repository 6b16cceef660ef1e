package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crimson-sun/edgewatch/internal/errkind"
)

// DefaultFields is the edge log field whitelist requested from the provider
// when none is configured.
var DefaultFields = []string{
	"RayID",
	"EdgeStartTimestamp",
	"ClientIP",
	"ClientRequestHost",
	"ClientRequestMethod",
	"ClientRequestURI",
	"EdgeResponseStatus",
	"ClientCountry",
	"ClientASN",
	"ClientASNDescription",
	"ClientRequestUserAgent",
	"FirewallMatchesActions",
	"FirewallMatchesRuleIDs",
	"FirewallMatchesSources",
	"WAFAction",
	"WAFRuleID",
	"WAFRuleMessage",
	"SecurityLevelAction",
	"ClientRequestReferer",
	"ClientRequestBytes",
	"EdgeResponseBytes",
}

// Config holds all edgewatch configuration.
type Config struct {
	Connector ConnectorConfig `yaml:"connector"`
	Stream    StreamConfig    `yaml:"stream"`
	Batch     BatchConfig     `yaml:"batch"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Output    OutputConfig    `yaml:"output"`
	Rules     RulesConfig     `yaml:"rules"`
	Log       LogConfig       `yaml:"log"`

	MetricsAddr   string        `yaml:"metrics_addr"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// ConnectorConfig holds control-API session settings.
type ConnectorConfig struct {
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"-"` // secrets only come from the environment
	ZoneID         string        `yaml:"zone_id"`
	Endpoint       string        `yaml:"endpoint"`
	Fields         []string      `yaml:"fields"`
	SampleRate     int           `yaml:"sample_rate"`
	Filter         string        `yaml:"filter"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StreamConfig holds stream connection settings.
type StreamConfig struct {
	RenewalInterval time.Duration `yaml:"renewal_interval"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// BatchConfig holds the dual flush triggers.
type BatchConfig struct {
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AnalyzerConfig holds analysis model settings. An empty APIKey disables analysis.
type AnalyzerConfig struct {
	APIKey           string        `yaml:"-"`
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	RequestsPerSec   float64       `yaml:"requests_per_sec"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxPromptRecords int           `yaml:"max_prompt_records"`
}

// OutputConfig holds raw record persistence settings.
type OutputConfig struct {
	File            string `yaml:"file"`
	MaxBytes        int64  `yaml:"max_bytes"`
	MaxSegments     int    `yaml:"max_segments"`
	CompressRotated bool   `yaml:"compress_rotated"`
	Echo            bool   `yaml:"echo"`
	WebhookURL      string `yaml:"webhook_url"`
}

// RulesConfig holds WAF rule generation settings. An empty File disables it.
type RulesConfig struct {
	File          string  `yaml:"file"`
	Host          string  `yaml:"host"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the built-in configuration before env, file, or flags apply.
func Default() Config {
	return Config{
		Connector: ConnectorConfig{
			Provider:       "cloudflare",
			Endpoint:       "https://api.cloudflare.com/client/v4",
			Fields:         append([]string(nil), DefaultFields...),
			SampleRate:     100,
			RetryDelay:     30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			RenewalInterval: 55 * time.Minute,
			ReconnectDelay:  10 * time.Second,
		},
		Batch: BatchConfig{
			MaxSize:       15,
			FlushInterval: 15 * time.Second,
		},
		Analyzer: AnalyzerConfig{
			Model:            "gpt-4o-mini",
			RequestsPerSec:   1,
			Timeout:          60 * time.Second,
			MaxPromptRecords: 50,
		},
		Output: OutputConfig{
			File:        "received_cloudflare_logs.ndjson",
			MaxSegments: 10,
		},
		Rules: RulesConfig{
			MinConfidence: 0.7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ShutdownGrace: 5 * time.Second,
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errkind.New(errkind.FatalConfig, "config: read "+path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errkind.New(errkind.FatalConfig, "config: parse "+path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	c := &cfg.Connector
	c.Provider = getenv("EDGEWATCH_CONNECTOR", c.Provider)
	c.APIKey = getenv("CLOUDFLARE_API_TOKEN", c.APIKey)
	c.ZoneID = getenv("CLOUDFLARE_ZONE_ID", c.ZoneID)
	c.Endpoint = getenv("EDGEWATCH_ENDPOINT", c.Endpoint)
	c.Fields = getenvList("EDGEWATCH_FIELDS", c.Fields)
	c.SampleRate = getenvInt("EDGEWATCH_SAMPLE", c.SampleRate)
	c.Filter = getenv("EDGEWATCH_FILTER", c.Filter)
	c.RetryDelay = getenvDuration("EDGEWATCH_RETRY_DELAY", c.RetryDelay)

	cfg.Stream.RenewalInterval = getenvDuration("EDGEWATCH_SESSION_RENEWAL", cfg.Stream.RenewalInterval)
	cfg.Stream.ReconnectDelay = getenvDuration("EDGEWATCH_RECONNECT_DELAY", cfg.Stream.ReconnectDelay)

	cfg.Batch.MaxSize = getenvInt("EDGEWATCH_BATCH_SIZE", cfg.Batch.MaxSize)
	cfg.Batch.FlushInterval = getenvDuration("EDGEWATCH_BATCH_INTERVAL", cfg.Batch.FlushInterval)

	a := &cfg.Analyzer
	a.APIKey = getenv("OPENAI_API_KEY", a.APIKey)
	a.Model = getenv("EDGEWATCH_ANALYZER_MODEL", a.Model)
	a.BaseURL = getenv("EDGEWATCH_ANALYZER_URL", a.BaseURL)
	a.RequestsPerSec = getenvFloat("EDGEWATCH_ANALYZER_RPS", a.RequestsPerSec)

	o := &cfg.Output
	o.File = getenv("EDGEWATCH_OUTPUT_FILE", o.File)
	o.MaxBytes = int64(getenvInt("EDGEWATCH_OUTPUT_MAX_BYTES", int(o.MaxBytes)))
	o.MaxSegments = getenvInt("EDGEWATCH_OUTPUT_SEGMENTS", o.MaxSegments)
	o.CompressRotated = getenvBool("EDGEWATCH_OUTPUT_COMPRESS", o.CompressRotated)
	o.Echo = getenvBool("EDGEWATCH_ECHO", o.Echo)
	o.WebhookURL = getenv("EDGEWATCH_WEBHOOK_URL", o.WebhookURL)

	cfg.Rules.File = getenv("EDGEWATCH_RULES_FILE", cfg.Rules.File)
	cfg.Rules.Host = getenv("EDGEWATCH_RULES_HOST", cfg.Rules.Host)

	cfg.Log.Level = getenv("EDGEWATCH_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("EDGEWATCH_LOG_FORMAT", cfg.Log.Format)

	cfg.MetricsAddr = getenv("EDGEWATCH_METRICS_ADDR", cfg.MetricsAddr)
	cfg.ShutdownGrace = getenvDuration("EDGEWATCH_SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

// Validate reports every problem that must stop the process before the
// pipeline starts. The returned error is classified errkind.FatalConfig.
func (c Config) Validate() error {
	var errs []error
	if c.Connector.APIKey == "" {
		errs = append(errs, errors.New("CLOUDFLARE_API_TOKEN is required"))
	}
	if c.Connector.ZoneID == "" {
		errs = append(errs, errors.New("CLOUDFLARE_ZONE_ID is required"))
	}
	if c.Connector.SampleRate < 1 || c.Connector.SampleRate > 100 {
		errs = append(errs, fmt.Errorf("sample rate must be 1-100, got %d", c.Connector.SampleRate))
	}
	if len(c.Connector.Fields) == 0 {
		errs = append(errs, errors.New("field list must not be empty"))
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.Batch.MaxSize))
	}
	for name, d := range map[string]time.Duration{
		"batch flush interval":     c.Batch.FlushInterval,
		"session renewal interval": c.Stream.RenewalInterval,
		"retry delay":              c.Connector.RetryDelay,
		"shutdown grace":           c.ShutdownGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Stream.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnect delay must not be negative, got %v", c.Stream.ReconnectDelay))
	}
	if c.Rules.File != "" && c.Rules.Host == "" {
		errs = append(errs, errors.New("rules host is required when a rules file is set"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errkind.New(errkind.FatalConfig, "config", errors.Join(errs...))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
