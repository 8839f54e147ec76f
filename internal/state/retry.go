package state

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/machi/internal/model"
)

// isRetriable returns true for errors that indicate transient guard contention.
func isRetriable(err error) bool {
	return errors.Is(err, model.ErrLockTimeout)
}

// WithRetry executes fn, retrying up to maxRetries times on lock timeouts.
// Retries use jittered exponential backoff starting at baseDelay. Any other
// error, including AgentNotFound, is returned immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		var jitter time.Duration
		if baseDelay > 0 {
			jitter = time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
