package model

import "errors"

// Coordinator error taxonomy. Callers match with errors.Is.
var (
	ErrAgentNotFound           = errors.New("agent not found")
	ErrLockTimeout             = errors.New("lock timeout")
	ErrQueueFull               = errors.New("queue full")
	ErrResponseTimeout         = errors.New("response timeout")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrStepFailure             = errors.New("simulation step failed")
)

var (
	// ErrDrained is returned by a blocked dequeue once shutdown has begun.
	ErrDrained = errors.New("queue drained")

	// ErrQueueClosed is returned by enqueue after shutdown.
	ErrQueueClosed = errors.New("queue closed")

	ErrUnknownLocation   = errors.New("unknown location")
	ErrSamePair          = errors.New("an agent has no relationship with itself")
	ErrUnsupportedSchema = errors.New("unsupported snapshot schema version")
)

// IsTransient reports whether err is worth retrying or substituting a
// fallback for, as opposed to surfacing immediately.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrResponseTimeout) ||
		errors.Is(err, ErrCollaboratorUnavailable)
}
