package model

import "fmt"

// InteractionType classifies a social exchange between two agents.
type InteractionType string

const (
	InteractionFriendly         InteractionType = "friendly"
	InteractionCasual           InteractionType = "casual"
	InteractionDeep             InteractionType = "deep"
	InteractionMisunderstanding InteractionType = "misunderstanding"
	InteractionArgument         InteractionType = "argument"
)

// IsConflict reports whether t lowers the relationship score.
func (t InteractionType) IsConflict() bool {
	return t == InteractionMisunderstanding || t == InteractionArgument
}

// Valid reports whether t is a known interaction type.
func (t InteractionType) Valid() bool {
	switch t {
	case InteractionFriendly, InteractionCasual, InteractionDeep,
		InteractionMisunderstanding, InteractionArgument:
		return true
	}
	return false
}

// ParseInteractionType validates a wire value.
func ParseInteractionType(s string) (InteractionType, error) {
	t := InteractionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("model: unknown interaction type %q", s)
	}
	return t, nil
}
