// Package retry runs an operation until it succeeds or its context is
// cancelled, sleeping a fixed delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStop can be wrapped by fn to end the loop early with that error.
var ErrStop = errors.New("retry: stop")

// Forever calls fn with a 1-based attempt number until it returns nil.
// Between attempts it waits delay; onErr (optional) observes every failure
// before the wait. Returns ctx.Err() wrapped when the context is cancelled,
// either during fn or during the wait.
func Forever(ctx context.Context, delay time.Duration, fn func(attempt int) error, onErr func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStop) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if onErr != nil {
			onErr(attempt, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled during delay after attempt %d: %w", attempt, err)
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
