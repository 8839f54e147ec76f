// Package memory stores and recalls residents' long-term memories.
//
// Memories are embedded on write and recalled by vector similarity, scoped
// to a single agent. Writes are best-effort and arrive through the worker
// pool's persistence queue.
package memory

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/machi/internal/model"
)

// DefaultRecall is the number of memories recalled into a prompt.
const DefaultRecall = 3

// Store persists and recalls memories.
type Store interface {
	Remember(ctx context.Context, m model.Memory) error
	Recall(ctx context.Context, agent, query string, limit int) ([]model.Memory, error)
	Healthy(ctx context.Context) error
	Close() error
}

// Noop discards memories and recalls nothing.
type Noop struct{}

func (Noop) Remember(context.Context, model.Memory) error { return nil }

func (Noop) Recall(context.Context, string, string, int) ([]model.Memory, error) {
	return nil, nil
}

func (Noop) Healthy(context.Context) error { return nil }
func (Noop) Close() error                  { return nil }

// healthCache caches a backend health probe for ttl. Concurrent calls
// after expiry share one probe through singleflight.
type healthCache struct {
	ttl   time.Duration
	probe func(ctx context.Context) error

	group singleflight.Group
	err   atomic.Pointer[error]
	at    atomic.Int64 // unix nanos of last check
}

func (h *healthCache) check() error {
	if time.Since(time.Unix(0, h.at.Load())) < h.ttl {
		return h.load()
	}
	// Detached from the caller's ctx: singleflight shares the first caller's
	// work with every waiter.
	result, _, _ := h.group.Do("health", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := h.probe(ctx)
		h.err.Store(&err)
		h.at.Store(time.Now().UnixNano())
		return err, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (h *healthCache) load() error {
	p := h.err.Load()
	if p == nil {
		return nil
	}
	return *p
}
