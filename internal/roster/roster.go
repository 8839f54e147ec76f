// Package roster loads the town definition: its places and residents.
//
// Rosters are YAML documents validated against an embedded JSON Schema
// before the cross-field checks in Validate run.
package roster

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/state"
)

//go:embed default.yaml schema.json
var files embed.FS

// Agent is one resident as written in the roster file.
type Agent struct {
	Name        string  `yaml:"name" json:"name"`
	Profession  string  `yaml:"profession" json:"profession"`
	Personality string  `yaml:"personality,omitempty" json:"personality,omitempty"`
	Location    string  `yaml:"location" json:"location"`
	Emotion     float64 `yaml:"emotion,omitempty" json:"emotion,omitempty"`
}

// Roster is a parsed, validated town definition.
type Roster struct {
	Locations []string `yaml:"locations" json:"locations"`
	Agents    []Agent  `yaml:"agents" json:"agents"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := files.ReadFile("schema.json")
		if err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = jsonschema.CompileString("roster.schema.json", string(raw))
	})
	return schema, schemaErr
}

// Default returns the embedded stock roster.
func Default() (Roster, error) {
	raw, err := files.ReadFile("default.yaml")
	if err != nil {
		return Roster{}, fmt.Errorf("roster: read default: %w", err)
	}
	return Parse(raw)
}

// Load reads a roster file. An empty path yields the default roster.
func Load(path string) (Roster, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: %w", err)
	}
	r, err := Parse(raw)
	if err != nil {
		return Roster{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a YAML roster.
func Parse(raw []byte) (Roster, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Roster{}, fmt.Errorf("roster: parse: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	js, err := json.Marshal(doc)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: parse: %w", err)
	}
	var generic any
	if err := json.Unmarshal(js, &generic); err != nil {
		return Roster{}, fmt.Errorf("roster: parse: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return Roster{}, fmt.Errorf("roster: compile schema: %w", err)
	}
	if err := sch.Validate(generic); err != nil {
		return Roster{}, fmt.Errorf("roster: schema: %w", err)
	}

	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Roster{}, fmt.Errorf("roster: decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

// Validate performs the checks the schema cannot express.
func (r Roster) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		key := strings.ToLower(a.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate agent %q", a.Name))
		}
		seen[key] = true
		if !r.HasLocation(model.Location(a.Location)) {
			errs = append(errs, fmt.Errorf("agent %q: %w %q", a.Name, model.ErrUnknownLocation, a.Location))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("roster: %w", errors.Join(errs...))
	}
	return nil
}

// HasLocation reports whether l is one of the town's places.
func (r Roster) HasLocation(l model.Location) bool {
	for _, loc := range r.Locations {
		if loc == string(l) {
			return true
		}
	}
	return false
}

// Places returns the locations as typed identifiers.
func (r Roster) Places() []model.Location {
	out := make([]model.Location, len(r.Locations))
	for i, l := range r.Locations {
		out[i] = model.Location(l)
	}
	return out
}

// Personalities maps agent name to persona text.
func (r Roster) Personalities() map[string]string {
	out := make(map[string]string, len(r.Agents))
	for _, a := range r.Agents {
		out[a.Name] = a.Personality
	}
	return out
}

// Merge combines the roster with previously persisted state. Agents in
// both keep their persisted values, except for a location the roster no
// longer knows, which falls back to the roster's. Roster agents missing from
// the snapshot start fresh. Persisted agents and edges that reference
// anyone outside the roster are dropped.
func Merge(r Roster, snap model.Snapshot, now time.Time) state.Seed {
	seed := state.Seed{Version: snap.StoreVersion}
	known := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		known[a.Name] = true
		rec := model.AgentRecord{
			Name:       a.Name,
			Profession: a.Profession,
			Location:   model.Location(a.Location),
			Emotion:    model.ClampEmotion(a.Emotion),
			UpdatedAt:  now,
		}
		if prev, ok := snap.Agents[a.Name]; ok {
			rec.Emotion = model.ClampEmotion(prev.Emotion)
			rec.Version = prev.Version
			if !prev.UpdatedAt.IsZero() {
				rec.UpdatedAt = prev.UpdatedAt
			}
			if r.HasLocation(prev.Location) {
				rec.Location = prev.Location
			}
		}
		seed.Agents = append(seed.Agents, rec)
	}

	keys := make([]string, 0, len(snap.Relationships))
	for k := range snap.Relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := snap.Relationships[k]
		if !known[e.Pair.A] || !known[e.Pair.B] {
			continue
		}
		seed.Edges = append(seed.Edges, e)
	}
	return seed
}
