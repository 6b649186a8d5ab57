package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoWithResult_SucceedsIffFailuresBelowAttempts(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		attempts int
		wantErr  bool
		wantCall int
	}{
		{name: "no failures", failures: 0, attempts: 3, wantErr: false, wantCall: 1},
		{name: "one failure", failures: 1, attempts: 3, wantErr: false, wantCall: 2},
		{name: "two failures", failures: 2, attempts: 3, wantErr: false, wantCall: 3},
		{name: "failures equal attempts", failures: 3, attempts: 3, wantErr: true, wantCall: 3},
		{name: "failures exceed attempts", failures: 5, attempts: 3, wantErr: true, wantCall: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := DoWithResult(context.Background(), fastConfig(tt.attempts), func(ctx context.Context) (int, error) {
				calls++
				if calls <= tt.failures {
					return 0, Retryable(errors.New("transient"))
				}
				return 42, nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("DoWithResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != 42 {
				t.Errorf("DoWithResult() = %d, want 42", got)
			}
			if calls != tt.wantCall {
				t.Errorf("calls = %d, want %d", calls, tt.wantCall)
			}
		})
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	sentinel := errors.New("terminal")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do() error = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialWait: time.Hour, Multiplier: 2}
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) { cancel() }

	err := Do(ctx, cfg, func(ctx context.Context) error {
		return Retryable(errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDo_OnRetryCalledBetweenAttempts(t *testing.T) {
	var attempts []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		return Retryable(errors.New("down"))
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := Backoff(cfg, i+1); got != w {
			t.Errorf("Backoff(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryableUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Retryable(base)
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is(Retryable(base), base) = false")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
}
