// Package testutil holds helpers for tests that wait on asynchronous work.
package testutil

import (
	"context"
	"fmt"
	"time"
)

// Poll calls condition every interval until it returns true. It fails once
// timeout has elapsed or ctx is done.
func Poll(ctx context.Context, condition func() bool, timeout, interval time.Duration) error {
	_, err := WaitForState(ctx, condition, func(ok bool) bool { return ok }, timeout, interval)
	if err != nil {
		return fmt.Errorf("condition not met: %w", err)
	}
	return nil
}

// WaitForState calls getter every interval until predicate accepts its
// result, and returns that result.
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout, interval time.Duration) (T, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		v := getter()
		if predicate(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-deadline.C:
			var zero T
			return zero, fmt.Errorf("timed out after %v", timeout)
		case <-tick.C:
		}
	}
}
