// Package retry implements a bounded-retry wrapper with exponential backoff
// for fallible asynchronous operations. Errors are classified into retryable
// and permanent classes; permanent errors abort the loop immediately and
// retry exhaustion returns the final attempt's error verbatim.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts = MaxRetries + 1.
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
}

// DefaultPolicy returns the standard policy: 3 retries, 1s initial delay,
// 30s cap, x2.0 multiplier.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// permanentError marks an error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry loop aborts without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// StatusError carries an HTTP status for classification purposes.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return http.StatusText(e.Status)
}

// Retryable reports whether err is worth another attempt. Timeouts, lost
// connections, and 5xx statuses are retryable; everything marked Permanent
// and 4xx statuses are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unknown error classes default to retryable; the bound keeps us honest.
	return true
}

// Do runs op under the policy. The sleep between attempts is context-aware:
// cancellation during backoff returns ctx.Err immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := p.InitialDelay

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt == p.MaxRetries {
			return err
		}

		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
}

// DoValue runs op under the policy and returns its value on success.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
