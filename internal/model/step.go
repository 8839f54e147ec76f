package model

import "time"

// StepKind names the action an autonomous tick performed.
type StepKind string

const (
	StepSocial StepKind = "social"
	StepGroup  StepKind = "group_discussion"
	StepMove   StepKind = "move"
	StepThink  StepKind = "think"
	StepWork   StepKind = "work"
	StepRelax  StepKind = "relax"
)

// Turn is one spoken line within a tick.
type Turn struct {
	Agent    string `json:"agent"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

// StepResult is the outcome of one autonomous tick. It is transient and only
// drives the simulation loop's failure counter.
type StepResult struct {
	Success  bool                `json:"success"`
	Err      error               `json:"-"`
	Error    string              `json:"error,omitempty"`
	Kind     StepKind            `json:"kind,omitempty"`
	Agents   []string            `json:"agents,omitempty"`
	Line     string              `json:"line,omitempty"`
	Turns    []Turn              `json:"turns,omitempty"`
	Topic    string              `json:"topic,omitempty"`
	Fallback bool                `json:"fallback,omitempty"`
	Deltas   []RelationshipDelta `json:"deltas,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// FailedStep builds a failure result from err.
func FailedStep(err error) StepResult {
	return StepResult{Success: false, Err: err, Error: err.Error()}
}
