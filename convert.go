package machi

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"

	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/model"
)

// toPublicAgent converts an internal record to the public machi.Agent.
func toPublicAgent(a model.AgentRecord) Agent {
	return Agent{
		Name:       a.Name,
		Profession: a.Profession,
		Location:   string(a.Location),
		Emotion:    a.Emotion,
		Mood:       a.Mood(),
		Version:    a.Version,
		UpdatedAt:  a.UpdatedAt,
	}
}

func fromPublicAgent(a Agent) model.AgentRecord {
	return model.AgentRecord{
		Name:       a.Name,
		Profession: a.Profession,
		Location:   model.Location(a.Location),
		Emotion:    model.ClampEmotion(a.Emotion),
		Version:    a.Version,
		UpdatedAt:  a.UpdatedAt,
	}
}

func toPublicRelationship(e model.RelationshipEdge) Relationship {
	return Relationship{
		A:                e.Pair.A,
		B:                e.Pair.B,
		Score:            e.Score,
		InteractionCount: e.InteractionCount,
		LastInteraction:  e.LastInteraction,
		DecayedAt:        e.DecayedAt,
		Version:          e.Version,
	}
}

func fromPublicRelationship(r Relationship) model.RelationshipEdge {
	return model.RelationshipEdge{
		Pair:             model.NewPairKey(r.A, r.B),
		Score:            model.ClampScore(r.Score),
		InteractionCount: r.InteractionCount,
		LastInteraction:  r.LastInteraction,
		DecayedAt:        r.DecayedAt,
		Version:          r.Version,
	}
}

// toPublicSnapshot flattens the snapshot maps into sorted slices.
func toPublicSnapshot(s model.Snapshot) Snapshot {
	out := Snapshot{
		SchemaVersion: s.SchemaVersion,
		TakenAt:       s.TakenAt,
		StoreVersion:  s.StoreVersion,
		Agents:        make([]Agent, 0, len(s.Agents)),
		Relationships: make([]Relationship, 0, len(s.Relationships)),
	}
	for _, name := range s.AgentNames() {
		out.Agents = append(out.Agents, toPublicAgent(s.Agents[name]))
	}
	keys := make([]string, 0, len(s.Relationships))
	for k := range s.Relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Relationships = append(out.Relationships, toPublicRelationship(s.Relationships[k]))
	}
	return out
}

// fromPublicSnapshot rebuilds the keyed maps and normalizes the result, so
// a snapshot from a custom Persister is checked like one read from disk.
func fromPublicSnapshot(s Snapshot) (model.Snapshot, error) {
	out := model.Snapshot{
		SchemaVersion: s.SchemaVersion,
		TakenAt:       s.TakenAt,
		StoreVersion:  s.StoreVersion,
		Agents:        make(map[string]model.AgentRecord, len(s.Agents)),
		Relationships: make(map[string]model.RelationshipEdge, len(s.Relationships)),
	}
	for _, a := range s.Agents {
		out.Agents[a.Name] = fromPublicAgent(a)
	}
	for _, r := range s.Relationships {
		e := fromPublicRelationship(r)
		out.Relationships[e.Pair.String()] = e
	}
	if err := out.Normalize(); err != nil {
		return model.Snapshot{}, err
	}
	return out, nil
}

func toPublicStep(r model.StepResult) StepResult {
	var turns []Turn
	for _, t := range r.Turns {
		turns = append(turns, Turn{Agent: t.Agent, Text: t.Text, Fallback: t.Fallback})
	}
	return StepResult{
		Success:  r.Success,
		Error:    r.Error,
		Kind:     string(r.Kind),
		Agents:   r.Agents,
		Line:     r.Line,
		Turns:    turns,
		Topic:    r.Topic,
		Fallback: r.Fallback,
		Duration: r.Duration,
	}
}

func toPublicInteraction(p model.InteractionPayload) Interaction {
	in := Interaction{
		Speaker:     toPublicAgent(p.Speaker),
		Personality: p.Personality,
		Partner:     p.Partner,
		Message:     p.Message,
		Topic:       p.Topic,
		Type:        string(p.Type),
		Score:       p.Score,
	}
	for _, m := range p.Memories {
		in.Memories = append(in.Memories, m.Content)
	}
	return in
}

func toPublicEvent(e events.Event) Event {
	out := Event{Type: e.Type, At: e.At}
	if step, ok := e.Data.(model.StepResult); ok {
		ps := toPublicStep(step)
		out.Step = &ps
	}
	if e.Data != nil {
		if raw, err := json.Marshal(e.Data); err == nil {
			out.Data = raw
		}
	}
	return out
}

// persisterAdapter lets a public Persister stand in for an internal backend.
type persisterAdapter struct {
	p Persister
}

func (a persisterAdapter) Save(ctx context.Context, snap model.Snapshot) error {
	return a.p.Save(ctx, toPublicSnapshot(snap))
}

func (a persisterAdapter) Load(ctx context.Context) (model.Snapshot, bool, error) {
	snap, ok, err := a.p.Load(ctx)
	if err != nil || !ok {
		return model.Snapshot{}, ok, err
	}
	out, err := fromPublicSnapshot(snap)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return out, true, nil
}

func (a persisterAdapter) Close() error { return a.p.Close() }

// responderAdapter lets a public Responder join the internal chain.
type responderAdapter struct {
	r Responder
}

func (a responderAdapter) Name() string { return a.r.Name() }

func (a responderAdapter) Respond(ctx context.Context, p model.InteractionPayload) (string, error) {
	return a.r.Respond(ctx, toPublicInteraction(p))
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d))
}
