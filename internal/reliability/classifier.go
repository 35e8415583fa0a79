package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
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

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy is used for startup discovery of upstream dependencies.
var DefaultPolicy = Policy{Attempts: 4, Base: 250 * time.Millisecond, Cap: 4 * time.Second}

// Retry runs fn until it succeeds, the policy gives up, or ctx is done. The
// last error is returned.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		wait := ExponentialBackoff(attempt, p.Base, p.Cap)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
