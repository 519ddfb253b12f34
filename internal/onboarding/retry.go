package onboarding

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures WithRetry
type RetryPolicy struct {
	// Base is the wait after the first failed attempt; each further wait doubles
	Base time.Duration
	// MaxAttempts caps the number of calls, including the first
	MaxAttempts int
	// Timer replaces the wall clock timer, for tests
	Timer backoff.Timer
	// OnRetry is called before each wait
	OnRetry func(attempt int, err *Error, wait time.Duration)
}

// DefaultRetryPolicy waits 1s then 2s across three attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, MaxAttempts: 3}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	maxAttempts := max(p.MaxAttempts, 1)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Base << maxAttempts,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

// WithRetry calls op until it succeeds, fails with a non-retryable error or
// the attempt ceiling is reached. Failed attempts are separated by Base,
// Base*2, Base*4... Errors are classified before the retry decision, so
// the returned error is always an *Error. attempts counts calls made.
func WithRetry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (result T, attempts int, err error) {
	operation := func() error {
		attempts++
		v, err := op(ctx)
		if err != nil {
			oe := Classify(err)
			if !oe.Retryable {
				return backoff.Permanent(oe)
			}
			return oe
		}
		result = v
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, Classify(err), wait)
		}
	}

	if err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notify, p.Timer); err != nil {
		var zero T
		return zero, attempts, Classify(err)
	}
	return result, attempts, nil
}
