// Package queue provides a bounded FIFO that rejects work instead of growing.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/telemetry"
)

// Queue is a bounded FIFO safe for many producers and consumers. Enqueue
// never blocks: a full queue is the backpressure boundary.
type Queue[T any] struct {
	name  string
	items chan T

	dropped atomic.Int64 // enqueues rejected because the queue was full

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a queue holding at most capacity items.
func New[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name:  name,
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Name identifies the queue in logs and metrics.
func (q *Queue[T]) Name() string { return q.name }

// Enqueue adds item or fails fast with ErrQueueFull. After Close it fails
// with ErrQueueClosed.
func (q *Queue[T]) Enqueue(item T) error {
	select {
	case <-q.done:
		return fmt.Errorf("queue %s: %w", q.name, model.ErrQueueClosed)
	default:
	}
	select {
	case q.items <- item:
		return nil
	default:
		q.dropped.Add(1)
		return fmt.Errorf("queue %s at capacity (%d): %w", q.name, cap(q.items), model.ErrQueueFull)
	}
}

// Dequeue blocks until an item is available. Once the queue is closed it
// returns ErrDrained, even if items remain; collect those with
// DrainRemaining.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-q.done:
		return zero, model.ErrDrained
	default:
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		return zero, model.ErrDrained
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryDequeue returns an item if one is immediately available.
func (q *Queue[T]) TryDequeue() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Items exposes the receive side for consumers that select across several
// queues. It must be paired with Done.
func (q *Queue[T]) Items() <-chan T { return q.items }

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Close signals shutdown. Blocked consumers receive ErrDrained. Safe to call
// multiple times.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// DrainRemaining removes and returns everything still queued, oldest first.
func (q *Queue[T]) DrainRemaining() []T {
	var out []T
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dropped returns the number of enqueues rejected as full.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// RegisterMetrics registers observable OTEL gauges for queue depth and
// drops. Call after telemetry.Init.
func (q *Queue[T]) RegisterMetrics() error {
	return telemetry.RegisterQueueGauges(q.name, func() int64 { return int64(q.Len()) }, q.Dropped)
}
