package state

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/machi/internal/model"
)

// guard is a mutex whose acquisition gives up after a deadline.
type guard struct {
	sem *semaphore.Weighted
}

func newGuard() *guard {
	return &guard{sem: semaphore.NewWeighted(1)}
}

// lock acquires the guard, waiting at most timeout. A cancelled parent
// context surfaces as its own error; running out of time is ErrLockTimeout.
func (g *guard) lock(ctx context.Context, timeout time.Duration) error {
	if g.sem.TryAcquire(1) {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.ErrLockTimeout
	}
	return nil
}

func (g *guard) unlock() {
	g.sem.Release(1)
}

// held tracks guards acquired so far so that a partial multi-guard
// acquisition can be unwound on every exit path.
type held []*guard

func (h *held) add(g *guard) { *h = append(*h, g) }

// release unlocks in reverse acquisition order.
func (h *held) release() {
	for i := len(*h) - 1; i >= 0; i-- {
		(*h)[i].unlock()
	}
	*h = nil
}
