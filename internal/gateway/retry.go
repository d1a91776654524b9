package gateway

import (
	"context"
	"time"

	"tradebot/pkg/exchange/bybit"
)

const (
	maxAttempts = 3
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Second
)

// withRetry runs fn up to maxAttempts times with exponential backoff.
// Non-retryable exchange errors abort immediately: a rejected order must
// never be resubmitted, only a transient failure may be.
func withRetry(ctx context.Context, sleep func(time.Duration), fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff << (attempt - 1)
			if delay > maxBackoff {
				delay = maxBackoff
			}
			sleep(delay)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !bybit.IsRetryable(err) {
			return err
		}
	}
	return err
}
