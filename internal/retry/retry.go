// Package retry implements the linear-backoff retry policy for
// upstream calls and the pure decision function that combines retry
// attempts with token-variant rotation.
package retry

import (
	"context"
	"time"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
)

// Policy configures linear-backoff retries: a failed attempt n waits
// BackoffUnit × n before the next try.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BackoffUnit scales the linear delay.
	BackoffUnit time.Duration
}

// NetworkPolicy is the stage-level policy for transient upstream
// failures: 3 retries at 5s, 10s, 15s.
func NetworkPolicy() Policy {
	return Policy{MaxRetries: 3, BackoffUnit: 5 * time.Second}
}

// ProfilePolicy is the per-profile enrichment policy: the retry count
// comes from job settings, backoff runs at 1s × attempt.
func ProfilePolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BackoffUnit: time.Second}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BackoffUnit * time.Duration(attempt)
}

// Action is the next step after a failed attempt.
type Action int

const (
	// ActionRetry repeats the call with the same variant after Delay.
	ActionRetry Action = iota
	// ActionRotate switches to the next token variant immediately.
	// Rotation never consumes a retry attempt.
	ActionRotate
	// ActionFail aborts the call.
	ActionFail
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide is the pure retry/rotate state machine. attempt is the
// number of transient failures consumed so far (1-based, including
// the one that just happened); variantsRemaining is how many unprobed
// token variants are left.
func Decide(p Policy, attempt int, variantsRemaining int, err error) Decision {
	switch {
	case harvesterrors.IsAuthVariant(err):
		if variantsRemaining > 0 {
			return Decision{Action: ActionRotate}
		}
		return Decision{Action: ActionFail}
	case harvesterrors.IsTransient(err):
		if attempt <= p.MaxRetries {
			return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
		}
		return Decision{Action: ActionFail}
	default:
		return Decision{Action: ActionFail}
	}
}

// Sleep waits for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Do runs fn, retrying transient failures per the policy. Any other
// failure propagates immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !harvesterrors.IsTransient(err) {
			return err
		}
		attempt++
		if attempt > p.MaxRetries {
			return err
		}
		if sleepErr := Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}
