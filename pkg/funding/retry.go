package funding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultBackoffFactor  = 2.0
)

// statusError carries a non-2xx HTTP response through the retry classifier.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("funding: aggregator returned status %d", e.Code)
}

// RetryConfig encapsulates exponential backoff settings for aggregator calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

type retryHandler struct {
	cfg RetryConfig
}

func newRetryHandler(cfg RetryConfig) *retryHandler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	return &retryHandler{cfg: cfg}
}

// do executes fn until it succeeds, exhausts attempts, or hits a terminal error.
func (r *retryHandler) do(ctx context.Context, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) || attempt >= r.cfg.MaxRetries {
			return lastErr
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * r.cfg.Multiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

// retriable reports whether an error is transient: network failures, 5xx and
// rate-limit responses retry; 4xx responses are terminal.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return true
		case se.Code >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
