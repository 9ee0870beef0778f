package steps

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how often a failing step function is re-invoked.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy allows three attempts with exponential backoff from 200ms up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// NoRetry runs every step exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) normalized() RetryPolicy {
	q := p
	if q.MaxAttempts < 1 {
		q.MaxAttempts = 1
	}
	if q.Multiplier <= 0 {
		q.Multiplier = 2
	}
	if q.MaxBackoff > 0 && q.MaxBackoff < q.InitialBackoff {
		q.MaxBackoff = q.InitialBackoff
	}
	return q
}

// backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxBackoff > 0 && time.Duration(d) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// retriable is implemented by errors that know whether repeating the call can help.
type retriable interface {
	Retriable() bool
}

// IsRetriable reports whether err is worth another attempt. Context errors and
// errors that declare themselves non-retriable are final; everything else is
// treated as transient.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}

// NonRetriable marks err so the runner gives up after the current attempt.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retriable() bool { return false }

func sleep(ctx context.Context, d time.Duration) error {
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
