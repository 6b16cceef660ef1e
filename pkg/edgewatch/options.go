package edgewatch

import "time"

type options struct {
	model            string
	baseURL          string
	requestsPerSec   float64
	timeout          time.Duration
	maxPromptRecords int
	fields           []string
	ruleHost         string
	minConfidence    float64
}

// Option configures a Watcher.
type Option func(*options)

// WithModel sets the analysis model. Default: "gpt-4o-mini".
func WithModel(m string) Option {
	return func(o *options) { o.model = m }
}

// WithBaseURL points the analyzer at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithRateLimit caps analysis calls per second. Zero disables the limit.
func WithRateLimit(perSec float64) Option {
	return func(o *options) { o.requestsPerSec = perSec }
}

// WithTimeout bounds a single analysis call. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxPromptRecords caps how many records of a batch are sent for
// analysis. Default: 50.
func WithMaxPromptRecords(n int) Option {
	return func(o *options) { o.maxPromptRecords = n }
}

// WithFields restricts parsed records to the named fields. Default: all fields.
func WithFields(fields ...string) Option {
	return func(o *options) { o.fields = fields }
}

// WithRuleHost scopes generated rules to one hostname. Default: every host.
func WithRuleHost(host string) Option {
	return func(o *options) { o.ruleHost = host }
}

// WithMinConfidence sets the confidence below which findings produce no
// rule. Default: 0.7.
func WithMinConfidence(c float64) Option {
	return func(o *options) { o.minConfidence = c }
}

func defaultOptions() options {
	return options{
		timeout:       60 * time.Second,
		minConfidence: 0.7,
	}
}
