package compensation

import (
	"context"
	"fmt"
	"time"
)

// maxBackoff caps the delay between retry attempts.
const maxBackoff = 5 * time.Minute

// ExecuteWithCompensation runs an operation and, on failure, invokes the
// compensation function before retrying with exponential backoff. The
// compensation function is best-effort; its failures are logged and never
// propagated. After maxRetries failed attempts the last operation error is
// returned.
func (service *Service) ExecuteWithCompensation(
	ctx context.Context,
	operation func(ctx context.Context) error,
	compensate func(ctx context.Context) error,
	maxRetries int,
) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		service.logger.Warn("operation failed, compensating",
			"attempt", attempt, "maxRetries", maxRetries, "error", lastErr)

		if compensate != nil {
			if err := compensate(ctx); err != nil {
				service.logger.Error("compensation function failed", "attempt", attempt, "error", err)
			}
		}
		if attempt == maxRetries {
			break
		}
		if err := service.sleep(ctx, backoffDuration(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// backoffDuration returns 2^attempt seconds, capped at maxBackoff.
func backoffDuration(attempt int) time.Duration {
	if attempt > 16 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
