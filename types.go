package machi

import (
	"encoding/json"
	"time"
)

// Agent is one town resident as seen by embedders.
type Agent struct {
	Name       string    `json:"name"`
	Profession string    `json:"profession"`
	Location   string    `json:"location"`
	Emotion    float64   `json:"emotion"`
	Mood       string    `json:"mood"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Relationship is the bond between two residents. A sorts before B.
// Score runs from 0 to 100 with 50 neutral.
type Relationship struct {
	A                string    `json:"a"`
	B                string    `json:"b"`
	Score            int       `json:"score"`
	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction"`
	DecayedAt        time.Time `json:"decayed_at"`
	Version          uint64    `json:"version"`
}

// Snapshot is a consistent copy of the whole town. Agents are sorted by
// name; Relationships by pair.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	TakenAt       time.Time      `json:"taken_at"`
	StoreVersion  uint64         `json:"store_version"`
	Agents        []Agent        `json:"agents"`
	Relationships []Relationship `json:"relationships"`
}

// StepResult describes one autonomous tick.
type StepResult struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Agents   []string      `json:"agents,omitempty"`
	Line     string        `json:"line,omitempty"`
	Turns    []Turn        `json:"turns,omitempty"`
	Topic    string        `json:"topic,omitempty"`
	Fallback bool          `json:"fallback,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Turn is one spoken line of a conversation tick.
type Turn struct {
	Agent    string `json:"agent"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Interaction is the request handed to a Responder: Speaker should say one
// line to Partner, or answer Message when Partner is empty. Topic is set
// for group openers and solo thoughts.
type Interaction struct {
	Speaker     Agent    `json:"speaker"`
	Personality string   `json:"personality"`
	Partner     string   `json:"partner,omitempty"`
	Message     string   `json:"message,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Type        string   `json:"type,omitempty"`
	Score       int      `json:"score"`
	Memories    []string `json:"memories,omitempty"`
}

// Event is one thing that happened in the town. Step is set for "step"
// events; Data always holds the JSON-encoded payload.
type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Step *StepResult     `json:"step,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
