package model

import (
	"fmt"
	"strings"
	"time"
)

// Relationship score bounds and the neutral starting point.
const (
	ScoreMin     = 0
	ScoreMax     = 100
	ScoreNeutral = 50
)

// pairSep separates the two names in a serialized PairKey. Roster names
// cannot contain it.
const pairSep = "|"

// PairKey identifies an unordered pair of agents. A is always the
// lexicographically smaller name.
type PairKey struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPairKey orders a and b so that the same two agents always produce the
// same key.
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// String returns the "a|b" form used as the persisted map key.
func (k PairKey) String() string {
	return k.A + pairSep + k.B
}

// Has reports whether name is one side of the pair.
func (k PairKey) Has(name string) bool {
	return k.A == name || k.B == name
}

// Other returns the partner of name in the pair.
func (k PairKey) Other(name string) string {
	if k.A == name {
		return k.B
	}
	return k.A
}

// ParsePairKey is the inverse of PairKey.String.
func ParsePairKey(s string) (PairKey, error) {
	a, b, ok := strings.Cut(s, pairSep)
	if !ok || a == "" || b == "" || a == b {
		return PairKey{}, fmt.Errorf("model: invalid pair key %q", s)
	}
	return NewPairKey(a, b), nil
}

// RelationshipEdge is the ledger entry for one unordered pair.
type RelationshipEdge struct {
	Pair             PairKey   `json:"pair"`
	Score            int       `json:"score"`
	LastInteraction  time.Time `json:"last_interaction"`
	InteractionCount int       `json:"interaction_count"`
	DecayedAt        time.Time `json:"decayed_at"`
	Version          uint64    `json:"version"`
}

// NewEdge returns a fresh edge at the neutral score.
func NewEdge(pair PairKey) RelationshipEdge {
	return RelationshipEdge{Pair: pair, Score: ScoreNeutral}
}

// ClampScore bounds s to [ScoreMin, ScoreMax].
func ClampScore(s int) int {
	if s < ScoreMin {
		return ScoreMin
	}
	if s > ScoreMax {
		return ScoreMax
	}
	return s
}

// RelationshipDelta is one applied change to an edge.
type RelationshipDelta struct {
	Pair   PairKey         `json:"pair"`
	Type   InteractionType `json:"type"`
	Before int             `json:"before"`
	After  int             `json:"after"`
	Delta  int             `json:"delta"`
}
