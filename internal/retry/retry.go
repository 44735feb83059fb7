// Package retry is the single retry-with-backoff helper used for reconnects
// and calls to rate-limited collaborators.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts <= 0 retries until the context ends.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether err is worth another attempt; nil retries everything.
	Retryable func(error) bool
	// OnRetry, when set, observes each failed attempt before the wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ReconnectPolicy is the transport reconnect default: 1s doubling to 5s, 10 attempts.
func ReconnectPolicy() Policy {
	return Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

// RetryAfterError is implemented by errors that carry a server-provided wait hint,
// such as HTTP 429 responses.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Do runs op until it succeeds, the policy is exhausted, Retryable rejects
// the error or ctx ends. The last operation error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	hinted := &hintBackOff{BackOff: p.backOff()}
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		var ra RetryAfterError
		if errors.As(err, &ra) {
			hinted.hint = ra.RetryAfter()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(hinted, ctx), notify)
}

// Delay returns the wait before retry number attempt (1-based), ignoring hints.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}

// hintBackOff stretches the next wait to a RetryAfter hint when one was seen.
type hintBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}
