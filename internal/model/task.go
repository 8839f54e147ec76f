package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind tags the Task union.
type TaskKind string

const (
	TaskPersist     TaskKind = "persist"
	TaskInteraction TaskKind = "interaction"
)

// Task is a unit of queued work. Exactly one of Persist or Interaction is
// set, matching Kind.
type Task struct {
	ID          uuid.UUID
	Kind        TaskKind
	EnqueuedAt  time.Time
	Persist     *PersistPayload
	Interaction *InteractionPayload
}

// NewPersistTask wraps p in a task stamped at now.
func NewPersistTask(p PersistPayload, now time.Time) Task {
	return Task{ID: uuid.New(), Kind: TaskPersist, EnqueuedAt: now, Persist: &p}
}

// NewInteractionTask wraps p in a task stamped at now.
func NewInteractionTask(p InteractionPayload, now time.Time) Task {
	return Task{ID: uuid.New(), Kind: TaskInteraction, EnqueuedAt: now, Interaction: &p}
}

// PersistPayload carries either a memory to index or a snapshot to save.
type PersistPayload struct {
	Memory   *Memory
	Snapshot *Snapshot
}

// InteractionPayload asks the response generator for one line of dialogue.
type InteractionPayload struct {
	Speaker     AgentRecord
	Personality string
	Partner     string // agent name(s), or empty when talking to the user or alone
	Message     string
	Topic       string // subject of a group discussion or a solo thought
	Type        InteractionType
	Score       int
	Memories    []Memory
}

// Memory is one long-term recollection of an agent.
type Memory struct {
	ID        uuid.UUID `json:"id"`
	Agent     string    `json:"agent"`
	Partner   string    `json:"partner,omitempty"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Score     float32   `json:"score,omitempty"`
}
