package machi

import (
	"context"

	"github.com/ashita-ai/machi/internal/model"
)

// ErrUnavailable is returned by a Responder whose backend cannot be reached.
// The App then falls through to the next responder, ending with a stock
// line. Any other error is treated as a failed reply.
var ErrUnavailable = model.ErrCollaboratorUnavailable

// Responder generates one line of dialogue. Implementations must honour
// ctx; a reply that misses its deadline is replaced by a fallback line.
type Responder interface {
	Name() string
	Respond(ctx context.Context, in Interaction) (string, error)
}

// Persister stores and loads town snapshots. Load reports ok=false when
// nothing has been saved yet.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (snap Snapshot, ok bool, err error)
	Close() error
}

// EventHook receives every town event. Hooks run in their own goroutine
// with a bounded context. Failures are logged and never affect the town.
type EventHook interface {
	OnEvent(ctx context.Context, e Event) error
}
