// Package pipeline tracks a triggered build from its queue item to its final record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"buildrelay/internal/config"
)

// ErrBudgetExhausted is returned by Until when the attempt or time budget ran out
var ErrBudgetExhausted = errors.New("poll budget exhausted")

var errPending = errors.New("condition not met")

// Policy is a polling budget. Polling ends after MaxAttempts calls or once
// Deadline has elapsed, whichever comes first. Zero values mean unbounded.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

// PolicyFrom converts a configured poll budget
func PolicyFrom(cfg config.PollConfig) Policy {
	return Policy{Interval: cfg.Interval, MaxAttempts: cfg.MaxAttempts, Deadline: cfg.Timeout}
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop ends polling immediately; Until returns err
func Stop(err error) error {
	return backoff.Permanent(&stopError{err: err})
}

// Until calls fn every Interval until it reports done, returns an error wrapped
// with Stop, or the budget runs out. Any other error from fn is transient: it is
// retried and counts as an attempt.
func Until(ctx context.Context, p Policy, fn func(ctx context.Context) (bool, error)) error {
	pollCtx := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, pollCtx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		done, err := fn(pollCtx)
		if err != nil {
			var stop *backoff.PermanentError
			if errors.As(err, &stop) {
				return err
			}
			if pollCtx.Err() != nil {
				return backoff.Permanent(pollCtx.Err())
			}
			return err
		}
		if done {
			return nil
		}
		return errPending
	}, b)

	if err == nil {
		return nil
	}

	var stop *stopError
	if errors.As(err, &stop) {
		return stop.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %d attempts", ErrBudgetExhausted, attempts)
}
