package executor

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
)

// RetryPolicy controls the exponential-backoff retry loop wrapping every
// outbound provider call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultRetryPolicy is the baseline backoff schedule: 3 attempts, base
// 1s, cap 30s, jitter 0.3.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.3,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt))
	d := time.Duration(float64(p.BaseDelay) * exp)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitterFactor := 1 + (rand.Float64()*2-1)*p.Jitter
	return time.Duration(float64(d) * jitterFactor)
}

// Do runs fn, retrying transient failures under policy p. fn must classify
// its own errors via errkind so Do never has to string-sniff. Non-transient
// errors return immediately without retry.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errkind.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return err
}
