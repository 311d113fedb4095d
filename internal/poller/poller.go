package poller

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the terminal condition was not reached
// within the polling budget.
var ErrTimeout = errors.New("poll timeout")

// Result carries the last observed value alongside a timeout error so
// callers can fall back on secondary confirmation signals.
type Result[T any] struct {
	Value T
	Seen  bool
}

// Poll repeatedly calls fetch until isTerminal reports true or the budget
// elapses. A fetch error is treated as "not yet terminal": transient
// network blips must not abort reconciliation, the transport layer already
// bounded its own retries.
func Poll[T any](ctx context.Context, fetch func(context.Context) (T, error), isTerminal func(T) bool, timeout, interval time.Duration) (Result[T], error) {
	var last Result[T]

	deadline := time.Now().Add(timeout)
	for {
		v, err := fetch(ctx)
		if err == nil {
			last.Value = v
			last.Seen = true
			if isTerminal(v) {
				return last, nil
			}
		}

		if time.Now().After(deadline) {
			return last, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}
