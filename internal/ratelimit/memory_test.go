package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst, WithClock(clock.Now))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allow(t *testing.T, l Limiter, key string) (bool, time.Duration) {
	t.Helper()
	ok, wait, err := l.Allow(context.Background(), key)
	require.NoError(t, err)
	return ok, wait
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 2, 3)
	for i := range 3 {
		ok, _ := allow(t, m, "chat:Anna")
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, wait := allow(t, m, "chat:Anna")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newLimiter(t, 2, 1)
	ok, _ := allow(t, m, "k")
	require.True(t, ok)
	ok, _ = allow(t, m, "k")
	require.False(t, ok)

	clock.Advance(500 * time.Millisecond)
	ok, _ = allow(t, m, "k")
	assert.True(t, ok)
}

func TestMemoryLimiter_TokensCapAtBurst(t *testing.T) {
	m, clock := newLimiter(t, 1000, 3)
	allow(t, m, "k")
	clock.Advance(time.Hour)
	for range 3 {
		ok, _ := allow(t, m, "k")
		require.True(t, ok)
	}
	ok, _ := allow(t, m, "k")
	assert.False(t, ok)
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	ok, _ := allow(t, m, "a")
	require.True(t, ok)
	ok, _ = allow(t, m, "a")
	require.False(t, ok)
	ok, _ = allow(t, m, "b")
	assert.True(t, ok)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newLimiter(t, 0.001, 50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _, _ := m.Allow(context.Background(), "shared"); ok {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	m, clock := newLimiter(t, 1, 5)
	allow(t, m, "stale")
	clock.Advance(staleThreshold + time.Second)
	allow(t, m, "recent")

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, _ := allow(t, l, "anything")
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("backend down")
}
func (brokenLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	var denied int
	h := Middleware(m,
		func(r *http.Request) string { return r.URL.Query().Get("agent") },
		func(w http.ResponseWriter, _ *http.Request, _ time.Duration) {
			denied++
			w.WriteHeader(http.StatusTooManyRequests)
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("/?agent=Anna").Code)
	rec := do("/?agent=Anna")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, denied)

	assert.Equal(t, http.StatusNoContent, do("/").Code, "empty key skips limiting")
	assert.Equal(t, http.StatusNoContent, do("/?agent=Tom").Code)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{},
		func(*http.Request) string { return "k" },
		func(w http.ResponseWriter, _ *http.Request, _ time.Duration) { w.WriteHeader(http.StatusTooManyRequests) },
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 3, RetryAfterSeconds(2100*time.Millisecond))
}
