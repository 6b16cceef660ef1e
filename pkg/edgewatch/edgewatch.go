package edgewatch

import (
	"context"
	"errors"
	"strings"

	"github.com/crimson-sun/edgewatch/internal/analyzer"
	"github.com/crimson-sun/edgewatch/internal/analyzer/dedup"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/rules"
)

// ErrNoAPIKey is returned by New when apiKey is empty.
var ErrNoAPIKey = errors.New("edgewatch: api key is required")

// Watcher analyzes batches of edge log records.
// Safe for concurrent use.
type Watcher struct {
	analyzer      analyzer.Analyzer
	fields        model.FieldSet
	ruleHost      string
	minConfidence float64
}

// New creates a Watcher that analyzes with the OpenAI-compatible API
// authenticated by apiKey.
func New(apiKey string, opts ...Option) (*Watcher, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	aopts := []analyzer.Option{
		analyzer.WithBaseURL(o.baseURL),
		analyzer.WithRateLimit(o.requestsPerSec),
		analyzer.WithTimeout(o.timeout),
		analyzer.WithMaxPromptRecords(o.maxPromptRecords),
	}
	if o.model != "" {
		aopts = append(aopts, analyzer.WithModel(o.model))
	}

	return &Watcher{
		analyzer:      analyzer.NewOpenAI(apiKey, aopts...),
		fields:        model.NewFieldSet(o.fields),
		ruleHost:      o.ruleHost,
		minConfidence: o.minConfidence,
	}, nil
}

// AnalyzeLines parses NDJSON lines as one batch and returns its findings,
// duplicates collapsed. Blank and malformed lines are skipped; skipped
// reports how many malformed lines there were.
func (w *Watcher) AnalyzeLines(ctx context.Context, lines []string) (findings []Finding, skipped int, err error) {
	records := make([]model.Record, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := model.ParseRecord([]byte(line), w.fields)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	findings, err = w.analyze(ctx, records)
	return findings, skipped, err
}

func (w *Watcher) analyze(ctx context.Context, records []model.Record) ([]Finding, error) {
	found, err := w.analyzer.Analyze(ctx, records)
	if err != nil {
		return nil, err
	}
	found = dedup.Findings(found)
	out := make([]Finding, len(found))
	for i, f := range found {
		out[i] = findingFromModel(f)
	}
	return out, nil
}

// Rules converts findings at or above the minimum confidence into WAF rules.
// Findings without a rule form (URI patterns, unparseable values) are skipped.
func (w *Watcher) Rules(findings []Finding) []Rule {
	var out []Rule
	for _, f := range findings {
		if f.Confidence < w.minConfidence {
			continue
		}
		r, ok := rules.BuildRule(f.toModel(), w.ruleHost)
		if !ok {
			continue
		}
		out = append(out, Rule{
			Action:      r.Action,
			Description: r.Description,
			Expression:  r.Expression,
			HCL:         r.HCL(),
		})
	}
	return out
}
