// Package lifecycle coordinates process shutdown.
package lifecycle

import (
	"context"
	"sync"
)

// Signal is a broadcast-once shutdown flag. The zero value is not usable;
// construct with NewSignal.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire broadcasts shutdown to every observer. Idempotent.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once Fire has been called.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether Fire has been called.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Context returns a child of parent that is cancelled when the signal
// fires.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
