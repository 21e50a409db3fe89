package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"exponential first", Policy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 10 * time.Second}, 1, time.Second},
		{"exponential second", Policy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 10 * time.Second}, 2, 2 * time.Second},
		{"exponential third", Policy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 10 * time.Second}, 3, 4 * time.Second},
		{"exponential capped", Policy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 4, 5 * time.Second},
		{"linear", Policy{Strategy: StrategyLinear, InitialDelay: time.Second, MaxDelay: 10 * time.Second}, 3, 3 * time.Second},
		{"linear capped", Policy{Strategy: StrategyLinear, InitialDelay: 4 * time.Second, MaxDelay: 10 * time.Second}, 3, 10 * time.Second},
		{"constant", Policy{Strategy: StrategyConstant, InitialDelay: 750 * time.Millisecond, MaxDelay: 10 * time.Second}, 5, 750 * time.Millisecond},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Delay(tc.attempt); got != tc.want {
				t.Fatalf("Delay(%d)=%s, expected %s", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 3, Strategy: StrategyConstant, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, expected 3", calls)
	}
}

func TestRetryExhaustionTagsError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 3, Strategy: StrategyConstant, InitialDelay: time.Millisecond}, func() error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("calls=%d, expected 3", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted tag, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error preserved, got %v", err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 5, Strategy: StrategyConstant, InitialDelay: time.Millisecond}, func() error {
		calls++
		return backoff.Permanent(errors.New("invalid recipient"))
	})
	if calls != 1 {
		t.Fatalf("calls=%d, expected 1 for permanent error", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{MaxAttempts: 10, Strategy: StrategyConstant, InitialDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls=%d, expected no retry after cancel", calls)
	}
}
