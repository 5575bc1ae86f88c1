// Package retry holds the backoff arithmetic shared by the workers and a
// blocking retry helper for startup paths.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy bounds Do
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy gives a dependency that is still starting a few seconds
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether err is worth another attempt
type IsTransientFunc func(error) bool

// Exponential returns base * 2^doublings, capped at max (no cap when max <= 0)
func Exponential(base, max time.Duration, doublings int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < doublings; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Do runs fn until it succeeds, fails with an error isTransient rejects, or
// the attempts run out. Waits are jittered exponential backoff; a done ctx
// ends the loop with ctx.Err().
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return isTransient(err)
		}).
		WithMaxAttempts(attempts).
		ReturnLastFailure()
	switch {
	case policy.InitialBackoff > 0 && policy.MaxBackoff > policy.InitialBackoff:
		b = b.WithBackoff(policy.InitialBackoff, policy.MaxBackoff).WithJitterFactor(0.25)
	case policy.InitialBackoff > 0:
		b = b.WithDelay(policy.InitialBackoff)
	}

	return failsafe.With[any](b.Build()).WithContext(ctx).Run(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
}
