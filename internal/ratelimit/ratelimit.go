// Package ratelimit throttles chat commands per agent.
//
// MemoryLimiter is an in-process token bucket per key. The Limiter
// interface lets the App swap in another implementation.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token for key. When denied, retryAfter says how
	// long until a token is available. An error means the limiter itself
	// failed; callers fail open.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

func (NoopLimiter) Close() error { return nil }
