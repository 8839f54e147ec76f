package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a throttled request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// Middleware enforces limiter on requests keyed by keyFunc. Denied requests
// get a Retry-After header and are answered by deny. Limiter errors fail
// open.
func Middleware(limiter Limiter, keyFunc KeyFunc, deny DenyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
				deny(w, r, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
