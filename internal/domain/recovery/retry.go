package recovery

import (
	"context"
	"time"

	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// Retry invokes op up to maxRetries times, sleeping baseDelay*2^attempt
// between attempts, and returns the last error once attempts run out.
// A cancelled ctx stops the backoff early with ctx.Err().
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error), maxRetries int, baseDelay time.Duration) (T, error) {
	var zero T
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		metrics.RecordRetryAttempt()
		timer := time.NewTimer(baseDelay << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Fallback runs primary and, if it fails, logs a warning and runs fallback.
// The fallback's own failure is returned unchanged.
func Fallback[T any](ctx context.Context, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}
	logger.Get().Named("recovery").Warn(ctx, "primary operation failed, using fallback", logger.Error(err))
	return fallback(ctx)
}
