// Package retry provides the bounded backoff policy injected into every
// component that has to tolerate the directory's eventual consistency.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry schedule. Attempts counts total
// invocations of the operation, not re-tries, so Attempts=5 performs at most
// five calls. Exponential switches from a constant delay to exponential
// growth starting at Delay and capped at MaxDelay.
type Policy struct {
	Attempts    uint64
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// Fixed returns a constant-delay policy.
func Fixed(attempts uint64, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Exponential returns a policy that doubles the delay up to maxDelay.
func Exponential(attempts uint64, initial, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: initial, Exponential: true, MaxDelay: maxDelay}
}

func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, attempts-1)
}

// Do runs op under the policy, retrying only failures retryable reports true
// for. A nil retryable retries everything. The error returned is the one
// from the final attempt.
//
// Cancellation is deliberately coarse: ctx is consulted before each attempt
// but not during an attempt's sleep, because aborting a half-finished
// exchange leaves the directory in a state that needs manual cleanup anyway.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, p.backOff())

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// Wait sleeps for d or until ctx is cancelled. Used for the fixed
// propagation pauses between workflow stages.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
