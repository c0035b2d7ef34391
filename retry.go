package chatsync

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// RetryPolicy controls how transient gateway failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles afterwards.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times, waiting 1s, 2s and 4s.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
}

// schedule returns a fresh delay sequence for one logical invocation.
func (p RetryPolicy) schedule() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func clockSleeper(c clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		t := c.Timer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retry runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. onRetry is called before each wait. If ctx ends while
// waiting, the context error is returned with the last failure as message.
func retry(ctx context.Context, p RetryPolicy, sleep Sleeper, op func(attempt int) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	sched := p.schedule()
	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil || !IsTransient(err) {
			return err
		}
		delay := sched.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Wrap(serr, err.Error())
		}
	}
}
