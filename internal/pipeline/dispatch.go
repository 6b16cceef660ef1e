package pipeline

import (
	"context"
	"log/slog"

	"github.com/crimson-sun/edgewatch/internal/analyzer"
	"github.com/crimson-sun/edgewatch/internal/analyzer/dedup"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// AnalysisDispatcher analyzes each batch and forwards the findings to a
// sink. Failures are logged and the batch is dropped.
type AnalysisDispatcher struct {
	analyzer analyzer.Analyzer
	sink     output.FindingSink
	logger   *slog.Logger
	metrics  *metrics.AnalysisMetrics
}

// NewAnalysisDispatcher creates a dispatcher. sink, logger and m may be nil;
// use multi.Sinks to reach several sinks.
func NewAnalysisDispatcher(a analyzer.Analyzer, sink output.FindingSink, logger *slog.Logger, m *metrics.AnalysisMetrics) *AnalysisDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisDispatcher{
		analyzer: a,
		sink:     sink,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
	}
}

// Dispatch implements batcher.Dispatcher.
func (d *AnalysisDispatcher) Dispatch(ctx context.Context, batch model.Batch) {
	log := d.logger.With("batch_id", batch.ID, "records", batch.Len(), "trigger", string(batch.Trigger))

	findings, err := d.analyzer.Analyze(ctx, batch.Records)
	if err != nil {
		log.Error("analysis failed, dropping batch", "error", err)
		return
	}
	findings = dedup.Findings(findings)
	if len(findings) == 0 {
		log.Info("batch analyzed, nothing suspicious")
		return
	}

	for _, f := range findings {
		d.metrics.Finding(f.EntityType)
		log.Warn("suspicious activity",
			"entity_type", f.EntityType,
			"entity_value", f.EntityValue,
			"reason", f.Reason,
			"suggested_action", f.SuggestedAction,
			"confidence", f.ConfidenceScore,
			"count", f.Count)
	}
	if d.sink == nil {
		return
	}
	if err := d.sink.Upsert(ctx, findings); err != nil {
		log.Error("finding sink failed", "error", err)
	}
}
