package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// Each key refills at rate tokens per second up to burst. A background
// goroutine evicts keys idle for longer than staleThreshold.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock injects the limiter's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key with bursts up to burst. Call Close to stop eviction.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, 0, nil
	}

	b.tokens = math.Min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now

	if b.tokens < 1 {
		if m.rate <= 0 {
			return false, time.Minute, nil
		}
		wait := time.Duration((1 - b.tokens) / m.rate * float64(time.Second))
		return false, wait, nil
	}
	b.tokens--
	return true, 0, nil
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	<-m.stopped
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	defer close(m.stopped)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
