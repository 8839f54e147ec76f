package worker

import (
	"context"
	"errors"

	"github.com/ashita-ai/machi/internal/model"
)

type result[T any] struct {
	v   T
	err error
}

// runWithTimeout runs fn and waits for it until ctx is done. On expiry the
// call is abandoned, not killed: fn keeps running with a cancelled context
// and its result is discarded.
func runWithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, model.ErrResponseTimeout
		}
		return zero, ctx.Err()
	}
}
