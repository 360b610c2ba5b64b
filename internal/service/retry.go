package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a lost version check, or a failed status
// write after settlement, is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
}

// backOff returns a fresh schedule allowing MaxAttempts-1 retries. Delays
// start at BaseDelay and double with +/-50% jitter; the schedule stops early
// once ctx is done.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.BaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.RandomizationFactor = 0.5
		exp.Multiplier = 2
		exp.MaxInterval = p.BaseDelay << 10
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// do runs op until it succeeds, returns a backoff.Permanent error, or the
// policy is exhausted. The last error is returned.
func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
