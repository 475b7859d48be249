package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream unavailable")

func TestRetryable(t *testing.T) {
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
	err := Retryable(errUpstream)
	if !IsRetryable(err) {
		t.Error("IsRetryable(Retryable(err)) = false")
	}
	if !errors.Is(err, errUpstream) {
		t.Error("Retryable should unwrap to the cause")
	}
	if err.Error() != errUpstream.Error() {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsRetryable(errUpstream) {
		t.Error("plain errors are not retryable")
	}
}

func TestBackoffRetry(t *testing.T) {
	fast := Backoff{Attempts: 3, Delay: time.Millisecond}
	ctx := context.Background()

	tests := []struct {
		name      string
		failures  int
		retryable bool
		wantCalls int
		wantErr   bool
	}{
		{"first call succeeds", 0, true, 1, false},
		{"succeeds after a retry", 1, true, 2, false},
		{"attempts exhausted", 5, true, 3, true},
		{"not retryable", 5, false, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fast.Retry(ctx, func() error {
				calls++
				if calls <= tt.failures {
					if tt.retryable {
						return Retryable(errUpstream)
					}
					return errUpstream
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Retry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBackoffRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Backoff{Attempts: 3, Delay: time.Hour}.Retry(ctx, func() error {
		return Retryable(errUpstream)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v, want context.Canceled", err)
	}
}

func TestBackoffZeroAttempts(t *testing.T) {
	calls := 0
	_ = Backoff{}.Retry(context.Background(), func() error {
		calls++
		return Retryable(errUpstream)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
