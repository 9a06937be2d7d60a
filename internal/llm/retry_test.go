package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2.0}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &APIError{Status: 503, Body: "unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return &APIError{Status: 500, Body: "boom"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &APIError{Status: 400, Body: "bad request"}
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, Multiplier: 2}.Do(ctx, func(context.Context) error {
		return &APIError{Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if !IsRetryable(&APIError{Status: 429}) {
		t.Error("429 should be retryable")
	}
	if !IsRetryable(&APIError{Status: 502}) {
		t.Error("502 should be retryable")
	}
	if IsRetryable(&APIError{Status: 401}) {
		t.Error("401 should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("calling model: %w", context.DeadlineExceeded)) {
		t.Error("deadline exceeded should be retryable")
	}
	if IsRetryable(errors.New("parse failure")) {
		t.Error("arbitrary errors should not be retryable")
	}
}
