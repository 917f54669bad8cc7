package fault

import (
	"context"
	"time"
)

// Backoff returns the exponential delay before retry attempt n (0-based),
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Retry runs fn up to attempts times, sleeping the exponential backoff
// between tries. Only transient errors are retried; structural errors and
// context cancellation return immediately.
func Retry(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Wrap(Cancelled, "", "", ctx.Err())
		case <-time.After(Backoff(base, max, i)):
		}
	}
	return err
}
