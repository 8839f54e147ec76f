package roster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
)

func TestDefault(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	assert.Len(t, r.Agents, 9)
	assert.Len(t, r.Locations, 8)
	assert.True(t, r.HasLocation("repair_shop"))
	assert.False(t, r.HasLocation("moon"))
	assert.Contains(t, r.Personalities()["Tom"], "practical")
	assert.Equal(t, model.Location("cafe"), r.Places()[0])
}

func TestParse_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"bad name": `
locations: [cafe]
agents:
  - {name: "9lives", profession: cat, location: cafe}
  - {name: Bob, profession: baker, location: cafe}
`,
		"too few agents": `
locations: [cafe]
agents:
  - {name: Bob, profession: baker, location: cafe}
`,
		"unknown field": `
locations: [cafe]
agents:
  - {name: Bob, profession: baker, location: cafe, age: 3}
  - {name: Ann, profession: baker, location: cafe}
`,
		"emotion out of range": `
locations: [cafe]
agents:
  - {name: Bob, profession: baker, location: cafe, emotion: 4}
  - {name: Ann, profession: baker, location: cafe}
`,
		"not yaml": "agents: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_CrossFieldChecks(t *testing.T) {
	_, err := Parse([]byte(`
locations: [cafe, park]
agents:
  - {name: Bob, profession: baker, location: cafe}
  - {name: bob, profession: baker, location: park}
  - {name: Ann, profession: baker, location: moon}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate agent "bob"`)
	assert.ErrorIs(t, err, model.ErrUnknownLocation)
}

func TestLoad(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.Len(t, r.Agents, 9)

	path := filepath.Join(t.TempDir(), "town.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
locations: [dock, market]
agents:
  - name: Ines
    profession: sailor
    location: dock
    emotion: 0.4
  - name: Omar
    profession: merchant
    location: market
`), 0o600))
	r, err = Load(path)
	require.NoError(t, err)
	require.Len(t, r.Agents, 2)
	assert.InDelta(t, 0.4, r.Agents[0].Emotion, 1e-9)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	r := Roster{
		Locations: []string{"cafe", "park"},
		Agents: []Agent{
			{Name: "Ann", Profession: "chef", Location: "cafe"},
			{Name: "Bob", Profession: "baker", Location: "park", Emotion: 0.2},
		},
	}
	then := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := then.Add(time.Hour)
	snap := model.EmptySnapshot()
	snap.StoreVersion = 42
	snap.Agents["Ann"] = model.AgentRecord{Name: "Ann", Profession: "chef", Location: "park", Emotion: 0.5, Version: 7, UpdatedAt: then}
	snap.Agents["Zed"] = model.AgentRecord{Name: "Zed", Location: "cafe"}
	keep := model.NewEdge(model.NewPairKey("Ann", "Bob"))
	keep.Score = 61
	drop := model.NewEdge(model.NewPairKey("Ann", "Zed"))
	snap.Relationships[keep.Pair.String()] = keep
	snap.Relationships[drop.Pair.String()] = drop

	seed := Merge(r, snap, now)
	require.Len(t, seed.Agents, 2)
	assert.Equal(t, uint64(42), seed.Version)

	ann := seed.Agents[0]
	assert.Equal(t, model.Location("park"), ann.Location)
	assert.InDelta(t, 0.5, ann.Emotion, 1e-9)
	assert.Equal(t, uint64(7), ann.Version)
	assert.Equal(t, then, ann.UpdatedAt)

	bob := seed.Agents[1]
	assert.Equal(t, model.Location("park"), bob.Location)
	assert.InDelta(t, 0.2, bob.Emotion, 1e-9)
	assert.Equal(t, now, bob.UpdatedAt)

	require.Len(t, seed.Edges, 1)
	assert.Equal(t, 61, seed.Edges[0].Score)
}

func TestMerge_UnknownPersistedLocationFallsBack(t *testing.T) {
	r := Roster{
		Locations: []string{"cafe"},
		Agents: []Agent{
			{Name: "Ann", Profession: "chef", Location: "cafe"},
			{Name: "Bob", Profession: "baker", Location: "cafe"},
		},
	}
	snap := model.EmptySnapshot()
	snap.Agents["Ann"] = model.AgentRecord{Name: "Ann", Location: "observatory"}
	seed := Merge(r, snap, time.Now())
	assert.Equal(t, model.Location("cafe"), seed.Agents[0].Location)
}
