package genai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxRetries = 1
	defaultRetryDelay = time.Second
)

// RetryPolicy bounds the retries of a generation call. Upstream calls are
// costly, so the default budget is a single retry.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	// OnRetry, when set, is called before each wait with the attempt that
	// just failed (starting at 1).
	OnRetry func(attempt int, failure *Error)
}

// DefaultRetryPolicy returns one retry after one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, Delay: defaultRetryDelay}
}

// WithRetry runs operation, classifying every failure. Terminal failures are
// returned at once; retryable ones are retried after policy.Delay until the
// budget is spent, and the last classified failure is returned.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, operation func(context.Context) (T, error)) (T, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := policy.Delay
	if delay < 0 {
		delay = 0
	}

	attempts := 0
	var lastFailure *Error
	attempt := func() (T, error) {
		attempts++
		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastFailure = Classify(err)
		if !lastFailure.Retryable {
			return result, backoff.Permanent(lastFailure)
		}
		return result, lastFailure
	}
	notify := func(error, time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(attempts, lastFailure)
		}
	}

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return result, nil
	}
	var zero T
	if lastFailure != nil {
		return zero, lastFailure
	}
	return zero, Classify(err)
}
