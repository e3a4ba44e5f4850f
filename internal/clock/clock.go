// Package clock abstracts time operations for testability.
package clock

import (
	"context"
	"time"
)

// Clock abstracts time operations so timers can be faked in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// SleepCtx waits for d on clk or returns early with ctx.Err() when the
// context is cancelled. Retry loops use this so shutdown is observed
// between attempts.
func SleepCtx(ctx context.Context, clk Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
