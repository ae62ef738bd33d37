// Package retry is the bounded retry-with-backoff primitive shared by every
// external-call leaf (indexer, signer, broadcast, webhook).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DelayFunc returns how long to wait after the given failed attempt (1-based).
type DelayFunc func(attempt int) time.Duration

// Linear waits attempt*step: step, 2*step, 3*step...
func Linear(step time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// Exponential waits base, 2*base, 4*base... capped at max when max > 0.
func Exponential(base, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

type Policy struct {
	Attempts int
	Delay    DelayFunc
}

// schedule adapts a DelayFunc to backoff.BackOff.
type schedule struct {
	delay DelayFunc
	n     int
}

func (s *schedule) NextBackOff() time.Duration {
	s.n++
	if s.delay == nil {
		return 0
	}
	return s.delay(s.n)
}

func (s *schedule) Reset() { s.n = 0 }

// Stop marks err as non-retryable; Do returns it immediately.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Stop error, the context ends or
// the attempt budget is spent. op receives the 1-based attempt number.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(attempt)
	},
		backoff.WithBackOff(&schedule{delay: p.Delay}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
}
