package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")
var errFatal = errors.New("fatal failure")

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		return errTransient
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	// MaxAttempts retries plus the initial call.
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{errFatal}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errFatal
	})

	if err == nil || !errors.Is(err, errFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_DisabledRunsOnce(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	calls := 0
	_ = Retry(context.Background(), cfg, func() error {
		calls++
		return errTransient
	})

	if calls != 1 {
		t.Fatalf("expected 1 call when disabled, got %d", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastConfig(), func() error { return errTransient })
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestDelayForAttempt_GrowsAndCaps(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	if d := DelayForAttempt(cfg, 0); d != 100*time.Millisecond {
		t.Fatalf("attempt 0: expected 100ms, got %v", d)
	}
	if d := DelayForAttempt(cfg, 2); d != 400*time.Millisecond {
		t.Fatalf("attempt 2: expected 400ms, got %v", d)
	}
	if d := DelayForAttempt(cfg, 10); d != time.Second {
		t.Fatalf("attempt 10: expected cap 1s, got %v", d)
	}
}

func TestDelayForAttempt_JitterStaysInBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for i := 0; i < 100; i++ {
		d := DelayForAttempt(cfg, 0)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}
