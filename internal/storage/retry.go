package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// IsRetriable reports whether err is an optimistic-concurrency loss the caller
// may retry: ErrConflict, or a Postgres serialization failure or deadlock.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	switch pgCode(err) {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// RetryOnConflict executes fn, retrying up to maxRetries times while it fails
// with a retriable error. Retries use jittered exponential backoff starting at
// baseDelay. The enforcement engine uses it for its repair commits; other
// callers that race on a branch head or fact key can re-read and try again.
func RetryOnConflict(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if baseDelay <= 0 {
		baseDelay = 10 * time.Millisecond
	}
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
