package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
)

func TestRetryPolicyDoRetriesOnlyTransientErrors(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return errkind.New(errkind.KindValidation, "bad input")
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-transient errors must not retry)", attempts)
	}
	if errkind.KindOf(err) != errkind.KindValidation {
		t.Fatalf("returned error kind = %s, want validation", errkind.KindOf(err))
	}
}

func TestRetryPolicyDoExhaustsAttemptsOnPersistentTransientError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return errkind.New(errkind.KindTransient, "upstream unavailable")
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if errkind.KindOf(err) != errkind.KindTransient {
		t.Fatalf("returned error kind = %s, want transient", errkind.KindOf(err))
	}
}

func TestRetryPolicyDoSucceedsAfterTransientRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errkind.New(errkind.KindTransient, "upstream unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryPolicyDoRespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: 0}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func(context.Context) error {
		attempts++
		return errkind.New(errkind.KindTransient, "upstream unavailable")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts > 2 {
		t.Fatalf("attempts = %d, want cancellation to cut the loop short", attempts)
	}
}

func TestRetryPolicyDelayNeverExceedsMaxDelayPlusJitter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Jitter: 0.3}
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.delay(attempt)
		upperBound := time.Duration(float64(policy.MaxDelay) * 1.3)
		if d > upperBound {
			t.Fatalf("delay(%d) = %s, want <= %s", attempt, d, upperBound)
		}
		if d < 0 {
			t.Fatalf("delay(%d) = %s, want non-negative", attempt, d)
		}
	}
}
