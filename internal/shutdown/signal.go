package shutdown

import (
	"sync"
	"sync/atomic"
	"time"
)

// Signal is a one-shot cancellation flag with the time it was raised. Set is
// safe from any goroutine, including a signal-forwarding one.
type Signal struct {
	set  atomic.Bool
	at   atomic.Int64
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the signal. It reports whether this call was the one that did.
func (s *Signal) Set() bool {
	first := false
	s.once.Do(func() {
		s.at.Store(time.Now().UnixNano())
		s.set.Store(true)
		close(s.ch)
		first = true
	})
	return first
}

// IsSet reports whether the signal has been raised.
func (s *Signal) IsSet() bool { return s.set.Load() }

// At returns when the signal was raised, or the zero time.
func (s *Signal) At() time.Time {
	if !s.IsSet() {
		return time.Time{}
	}
	return time.Unix(0, s.at.Load())
}

// Done is closed once the signal is raised.
func (s *Signal) Done() <-chan struct{} { return s.ch }
