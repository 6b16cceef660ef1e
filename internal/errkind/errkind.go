// Package errkind classifies the errors the pipeline produces so each
// component can decide between retry, skip, drop, and abort without string
// matching.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the handling class of an error.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no classification.
	Unknown Kind = iota
	// Transient covers control-API network failures, timeouts, 5xx and
	// malformed responses. Retried forever with a fixed delay.
	Transient
	// SessionConflict is control-API error code 1303: another consumer already
	// holds the streaming session for this zone.
	SessionConflict
	// Transport ends the current stream connection; the pipeline reconnects.
	Transport
	// RecordParse is a single malformed line inside a frame.
	RecordParse
	// Analyzer is a failure of the downstream analysis call; the batch is dropped.
	Analyzer
	// FatalConfig aborts startup.
	FatalConfig
	// Cancelled is the normal outcome of shutdown.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case SessionConflict:
		return "session_conflict"
	case Transport:
		return "transport"
	case RecordParse:
		return "record_parse"
	case Analyzer:
		return "analyzer"
	case FatalConfig:
		return "fatal_config"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a classified error. Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// Context cancellation is reported as Cancelled even when unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
