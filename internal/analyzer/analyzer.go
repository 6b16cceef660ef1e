// Package analyzer turns a batch of edge log records into findings about
// suspicious entities.
package analyzer

import (
	"context"
	"log/slog"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// Analyzer inspects a batch and reports suspicious entities. An empty batch
// yields no findings. A malformed upstream response yields no findings and
// no error; only failures to obtain a response are returned.
type Analyzer interface {
	Analyze(ctx context.Context, records []model.Record) ([]model.Finding, error)
}

// Discard is the analyzer used when no model is configured.
type Discard struct {
	Logger *slog.Logger
}

func (d Discard) Analyze(_ context.Context, records []model.Record) ([]model.Finding, error) {
	if d.Logger != nil && len(records) > 0 {
		d.Logger.Debug("analysis disabled, discarding batch", "records", len(records))
	}
	return nil, nil
}
