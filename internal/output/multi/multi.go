// Package multi fans raw records and findings out to several destinations.
// A failing destination never stops delivery to the others.
package multi

import (
	"context"
	"errors"
	"fmt"

	"github.com/crimson-sun/edgewatch/internal/model"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// Multi fans records out to several archive outputs, in order.
type Multi struct {
	outputs []output.Output
}

// New creates a Multi over outputs. nil entries are ignored.
func New(outputs ...output.Output) *Multi {
	m := &Multi{}
	for _, o := range outputs {
		if o != nil {
			m.outputs = append(m.outputs, o)
		}
	}
	return m
}

// Write delivers the record to every output and joins their errors.
func (m *Multi) Write(ctx context.Context, record model.Record) error {
	var errs []error
	for i, o := range m.outputs {
		if err := o.Write(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("output %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every output and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, o := range m.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sinks fans findings out to several FindingSinks.
type Sinks struct {
	sinks []output.FindingSink
}

// NewSinks creates a Sinks over sinks. nil entries are ignored.
func NewSinks(sinks ...output.FindingSink) *Sinks {
	s := &Sinks{}
	for _, sink := range sinks {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
	return s
}

// Len returns the number of wrapped sinks.
func (s *Sinks) Len() int { return len(s.sinks) }

// Upsert hands the findings to every sink and joins their errors. An empty
// findings slice is not forwarded.
func (s *Sinks) Upsert(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	var errs []error
	for i, sink := range s.sinks {
		if err := sink.Upsert(ctx, findings); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (s *Sinks) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
