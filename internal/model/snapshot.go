package model

import (
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is the layout tag written into every snapshot. Bump it when
// fields change meaning; additive fields do not need a bump.
const SchemaVersion = 1

// Snapshot is an immutable, consistent copy of all town state.
type Snapshot struct {
	SchemaVersion int                         `json:"schema_version"`
	TakenAt       time.Time                   `json:"taken_at"`
	StoreVersion  uint64                      `json:"store_version"`
	Agents        map[string]AgentRecord      `json:"agents"`
	Relationships map[string]RelationshipEdge `json:"relationships"`
}

// EmptySnapshot returns a current-schema snapshot with no entries.
func EmptySnapshot() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Agents:        map[string]AgentRecord{},
		Relationships: map[string]RelationshipEdge{},
	}
}

// Normalize upgrades a decoded snapshot in place: it rejects schemas newer
// than this build understands, defaults missing maps and re-derives edge
// pairs from their keys.
func (s *Snapshot) Normalize() error {
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: %d (max %d)", ErrUnsupportedSchema, s.SchemaVersion, SchemaVersion)
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Agents == nil {
		s.Agents = map[string]AgentRecord{}
	}
	if s.Relationships == nil {
		s.Relationships = map[string]RelationshipEdge{}
	}
	for name, a := range s.Agents {
		if a.Name == "" {
			a.Name = name
			s.Agents[name] = a
		}
	}
	for key, e := range s.Relationships {
		pair, err := ParsePairKey(key)
		if err != nil {
			return err
		}
		e.Pair = pair
		e.Score = ClampScore(e.Score)
		s.Relationships[key] = e
	}
	return nil
}

// AgentNames returns the snapshot's agents in name order.
func (s Snapshot) AgentNames() []string {
	names := make([]string, 0, len(s.Agents))
	for n := range s.Agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Edge looks up the edge for a and b.
func (s Snapshot) Edge(a, b string) (RelationshipEdge, bool) {
	e, ok := s.Relationships[NewPairKey(a, b).String()]
	return e, ok
}
