package provider

import (
	"context"
	"errors"
	"time"
)

const (
	maxAttempts      = 3
	transientBackoff = 2 * time.Second
	throttledBackoff = 10 * time.Second
)

// withRetry runs call up to maxAttempts times, sleeping between attempts.
// Rate-limited attempts wait longer than transient failures. Non-retryable
// errors return immediately.
func withRetry(ctx context.Context, sleep func(context.Context, time.Duration) error, call func() (string, error)) (string, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := transientBackoff << (attempt - 1)
			if errors.Is(lastErr, ErrRateLimited) {
				delay = throttledBackoff << (attempt - 1)
			}
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		out, err := call()
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return "", err
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// sleepContext waits out the backoff, returning early when ctx is done so a
// cancelled session never sits through a throttled delay.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attemptContext bounds one request attempt. The retry loop's outer context
// stays deadline-free so a timed-out attempt does not poison the budget for
// the attempts after it.
func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
