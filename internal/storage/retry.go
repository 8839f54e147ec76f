package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetriable reports whether err is a transient Postgres failure: a
// serialization conflict, a detected deadlock, or a connection error that
// pgconn marks as safe to retry because nothing was sent.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to maxRetries times while IsRetriable.
// Waits use jittered exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < maxRetries && IsRetriable(err); attempt++ {
		wait := baseDelay << attempt
		wait += time.Duration(rand.Int64N(int64(wait) + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}
