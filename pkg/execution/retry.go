package execution

import (
	"context"
	"errors"
	"net"
	"time"
)

// Transient venue errors (network and throttling) are retried; logical
// rejects come back as order states, not errors, and are terminal.

type retryConfig struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

func (r retryConfig) do(ctx context.Context, fn func(context.Context) error) error {
	backoff := r.initialBackoff
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Venue adapter errors are opaque; anything that is not a context error
	// is assumed transient and worth another attempt.
	return true
}
