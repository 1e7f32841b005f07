package tool

import (
	"context"
	"time"
)

// RetryPolicy bounds attempts and the pause between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc[T any] func(ctx context.Context, attempt int) (T, error)

// BetweenFunc runs after a failed attempt that will be retried, before the pause.
type BetweenFunc func(ctx context.Context, attempt int, err error)

// InvokeWithRetry runs fn until it succeeds or policy.MaxAttempts is reached.
// Every failure is retried. The last error is returned with the attempt count.
func InvokeWithRetry[T any](ctx context.Context, policy RetryPolicy, fn AttemptFunc[T], between BetweenFunc) (T, int, error) {
	normalized := normalizeRetryPolicy(policy)
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt - 1, lastErr
			}
			return zero, attempt, err
		}

		out, err := fn(ctx, attempt)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if attempt == normalized.MaxAttempts {
			break
		}
		if between != nil {
			between(ctx, attempt, err)
		}

		wait := retryBackoffDuration(normalized, attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, lastErr
		case <-timer.C:
		}
	}

	return zero, normalized.MaxAttempts, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.Backoff < 0 {
		out.Backoff = 0
	}
	return out
}

func retryBackoffDuration(policy RetryPolicy, attempt int) time.Duration {
	if policy.Backoff <= 0 || attempt <= 0 {
		return 0
	}
	return policy.Backoff * time.Duration(attempt)
}
