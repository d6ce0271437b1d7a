package detection

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryPolicy bounds an operation to Attempts tries with Delay between them.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// ErrExhausted marks the error returned once every attempt has failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Retry calls op until it succeeds or the policy is exhausted. The first
// success is returned immediately. On exhaustion the last attempt's error is
// returned marked with ErrExhausted. Context cancellation stops retrying and
// returns the context error. onFailure, when set, sees every failed attempt.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	op func(ctx context.Context, attempt int) (T, error),
	onFailure func(attempt int, err error),
) (T, error) {
	var zero T

	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && policy.Delay > 0 {
			timer := time.NewTimer(policy.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, errors.Mark(errors.Wrapf(lastErr, "gave up after %d attempts", attempts), ErrExhausted)
}
