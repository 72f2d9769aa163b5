package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/jllopis/custos/pkg/errors"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	cfg := FixedRetryConfig(3, time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := FixedRetryConfig(3, time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		calls++
		return errors.New(errors.CodeProbeFailure, "down", nil).WithRecoverable(true)
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnUnrecoverable(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := cfg.Do(context.Background(), func() error {
		calls++
		return errors.New(errors.CodeInvalidInput, "bad input", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("unrecoverable error should not retry, got %d calls", calls)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := FixedRetryConfig(5, time.Second)
	start := time.Now()
	err := cfg.Do(ctx, func() error {
		return errors.New(errors.CodeProbeFailure, "down", nil).WithRecoverable(true)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancelled retry should return promptly")
	}
}

func TestFixedRetryDelayIsConstant(t *testing.T) {
	cfg := FixedRetryConfig(4, 10*time.Millisecond)
	for attempt := 1; attempt < 4; attempt++ {
		d := calculateBackoff(attempt, cfg)
		if d != 10*time.Millisecond {
			t.Fatalf("attempt %d: expected fixed 10ms, got %v", attempt, d)
		}
	}
}
