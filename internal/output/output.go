package output

import (
	"context"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// Output defines the interface for raw record destinations.
type Output interface {
	Write(ctx context.Context, record model.Record) error
	Close() error
}

// FindingSink receives the analyzer's findings for one batch.
type FindingSink interface {
	Upsert(ctx context.Context, findings []model.Finding) error
	Close() error
}

// Line returns the record as one NDJSON line: the raw bytes as received,
// newline-terminated. Records built without raw bytes fall back to their
// whitelisted fields.
func Line(record model.Record) ([]byte, error) {
	var data []byte
	if len(record.Raw) > 0 {
		data = make([]byte, 0, len(record.Raw)+1)
		data = append(data, record.Raw...)
	} else {
		var err error
		data, err = record.MarshalJSON()
		if err != nil {
			return nil, err
		}
	}
	return append(data, '\n'), nil
}
