package llm

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff. One policy
// instance is shared by the extraction and classification call sites.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the configured defaults: three attempts starting
// at one second, doubling each time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0}
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts are
// exhausted, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return lastErr
}

// IsRetryable reports whether err is a transient upstream failure: a timeout,
// a connection error, a rate limit, or a server error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// http.Client wraps connection failures in *url.Error.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
