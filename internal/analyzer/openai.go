package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
)

const (
	DefaultModel            = "gpt-4o-mini"
	DefaultMaxPromptRecords = 50
	defaultTimeout          = 60 * time.Second
)

const systemPrompt = "You are an expert cybersecurity threat detection analyst. Analyze the provided batch of " +
	"Cloudflare HTTP request log entries and identify suspicious entities: coordinated dictionary attacks " +
	"(many POSTs to login or admin paths with 4xx responses), SQL injection or file inclusion payloads in URIs, " +
	"cross-site scripting payloads, scanner or malicious bot user agents, vulnerability probing paths, and IPs or " +
	"ASNs with unusually high error or request rates. For each distinct entity you identify with high confidence, " +
	"report it with the " + toolName + " tool: entity type (IP, UserAgent, ASN, URI_Pattern, RequestPattern), the " +
	"exact entity value, a concise reason grounded in the log data, a suggested WAF action (block or challenge) and " +
	"a confidence score between 0 and 1. Report an empty list when nothing is suspicious."

// Option configures an OpenAI analyzer.
type Option func(*OpenAI)

// WithModel sets the chat model. Default: gpt-4o-mini.
func WithModel(m string) Option {
	return func(a *OpenAI) { a.model = m }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(a *OpenAI) { a.baseURL = u }
}

// WithRateLimit caps calls per second. 0 disables limiting.
func WithRateLimit(perSec float64) Option {
	return func(a *OpenAI) { a.perSec = perSec }
}

// WithTimeout bounds each call. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(a *OpenAI) { a.timeout = d }
}

// WithMaxPromptRecords caps how many records are sent per call. Default: 50.
func WithMaxPromptRecords(n int) Option {
	return func(a *OpenAI) { a.maxRecords = n }
}

// WithMaxValueLength cuts string field values longer than n runes before
// they are sent. 0 sends values whole. Default: 512.
func WithMaxValueLength(n int) Option {
	return func(a *OpenAI) { a.maxRunes = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *OpenAI) { a.logger = l }
}

// WithMetrics sets the analysis collectors. nil disables metrics.
func WithMetrics(m *metrics.AnalysisMetrics) Option {
	return func(a *OpenAI) { a.metrics = m }
}

// OpenAI analyzes batches with a chat completion that is forced to answer
// through the report_suspicious_activity tool.
type OpenAI struct {
	client     *openai.Client
	model      string
	baseURL    string
	perSec     float64
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRecords int
	maxRunes   int
	logger     *slog.Logger
	metrics    *metrics.AnalysisMetrics
}

// NewOpenAI creates an analyzer authenticated with apiKey.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	a := &OpenAI{
		model:      DefaultModel,
		timeout:    defaultTimeout,
		maxRecords: DefaultMaxPromptRecords,
		maxRunes:   DefaultMaxValueRunes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	cfg := openai.DefaultConfig(apiKey)
	if a.baseURL != "" {
		cfg.BaseURL = a.baseURL
	}
	a.client = openai.NewClientWithConfig(cfg)
	if a.perSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(a.perSec), 1)
	}
	if a.maxRecords < 1 {
		a.maxRecords = DefaultMaxPromptRecords
	}
	a.logger = a.logger.With("component", "analyzer")
	return a
}

// Analyze sends up to maxRecords records to the model and returns the
// validated findings.
func (a *OpenAI) Analyze(ctx context.Context, records []model.Record) ([]model.Finding, error) {
	const op = "analyzer.openai"
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) > a.maxRecords {
		a.logger.Warn("batch exceeds prompt limit, analyzing the first records only",
			"batch_records", len(records),
			"max_prompt_records", a.maxRecords,
			"records_dropped", len(records)-a.maxRecords)
		records = records[:a.maxRecords]
	}
	payload, err := json.MarshalIndent(compact(records, a.maxRunes), "", "  ")
	if err != nil {
		return nil, errkind.New(errkind.Analyzer, op, fmt.Errorf("encode records: %w", err))
	}
	a.logger.Debug("analyzing batch", "records", len(records), "prompt_tokens_est", estimateTokens(string(payload)))

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, errkind.New(errkind.Analyzer, op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Log Data Batch:\n```json\n" + string(payload) + "\n```"},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolName,
				Description: toolDescription,
				Parameters:  json.RawMessage(toolSchema),
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: toolName},
		},
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.Call("error", elapsed)
		return nil, errkind.New(errkind.Analyzer, op, err)
	}

	findings, err := a.extract(resp)
	if err != nil {
		a.metrics.Call("malformed", elapsed)
		a.logger.Warn("discarding malformed analyzer response", "error", err)
		return nil, nil
	}
	a.metrics.Call("ok", elapsed)
	return findings, nil
}

func (a *OpenAI) extract(resp openai.ChatCompletionResponse) ([]model.Finding, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	msg := resp.Choices[0].Message
	var findings []model.Finding
	called := false
	for _, call := range msg.ToolCalls {
		if call.Function.Name != toolName {
			a.logger.Warn("model called an unexpected tool", "tool", call.Function.Name)
			continue
		}
		called = true
		fs, err := decodeFindings(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		findings = append(findings, fs...)
	}
	if !called {
		return nil, fmt.Errorf("model did not call %s", toolName)
	}
	return findings, nil
}
