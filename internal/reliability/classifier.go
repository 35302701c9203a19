package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAuthFailureStatus reports the statuses that must never be retried and
// should invalidate local credentials.
func IsAuthFailureStatus(code int) bool {
	return code == 401 || code == 403
}

// IsSuccessStatus reports a 2xx status.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// ErrPermanent marks an error that Retry must not retry.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e permanentError) Error() string        { return e.err.Error() }
func (e permanentError) Unwrap() error        { return e.err }
func (e permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Backoff spaces retries: Base before the first retry, doubling up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay is the wait before retry n (0 for the first retry).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit < b.Base {
		limit = b.Base
	}
	return ExponentialBackoff(n, b.Base, limit)
}

// Retry runs fn up to attempts times, waiting backoff.Delay between attempts.
// It stops early on success, on a Permanent error, or when ctx is done.
func Retry(ctx context.Context, attempts int, backoff Backoff, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if delay := backoff.Delay(i - 1); i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil || errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
