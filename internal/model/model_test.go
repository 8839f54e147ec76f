package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
)

func TestNewPairKey_Unordered(t *testing.T) {
	ab := model.NewPairKey("alex", "emma")
	ba := model.NewPairKey("emma", "alex")
	assert.Equal(t, ab, ba)
	assert.Equal(t, "alex|emma", ab.String())
	assert.Equal(t, "emma", ab.Other("alex"))
	assert.True(t, ab.Has("emma"))
	assert.False(t, ab.Has("tom"))
}

func TestParsePairKey(t *testing.T) {
	k, err := model.ParsePairKey("emma|alex")
	require.NoError(t, err)
	assert.Equal(t, model.PairKey{A: "alex", B: "emma"}, k)

	for _, bad := range []string{"", "alex", "alex|", "|emma", "alex|alex"} {
		_, err := model.ParsePairKey(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, model.ClampScore(-12))
	assert.Equal(t, 100, model.ClampScore(140))
	assert.Equal(t, 63, model.ClampScore(63))
}

func TestMood(t *testing.T) {
	cases := map[float64]string{
		1.0:  "elated",
		0.3:  "cheerful",
		0.0:  "calm",
		-0.3: "uneasy",
		-0.9: "upset",
	}
	for e, want := range cases {
		assert.Equal(t, want, model.Mood(e), "emotion %v", e)
	}
	assert.Equal(t, -1.0, model.ClampEmotion(-3))
}

func TestSnapshotNormalize(t *testing.T) {
	s := model.Snapshot{
		Agents: map[string]model.AgentRecord{"alex": {Profession: "programmer"}},
		Relationships: map[string]model.RelationshipEdge{
			"emma|alex": {Score: 130},
		},
	}
	require.NoError(t, s.Normalize())
	assert.Equal(t, model.SchemaVersion, s.SchemaVersion)
	assert.Equal(t, "alex", s.Agents["alex"].Name)

	e := s.Relationships["emma|alex"]
	assert.Equal(t, model.PairKey{A: "alex", B: "emma"}, e.Pair)
	assert.Equal(t, 100, e.Score)
}

func TestSnapshotNormalize_RejectsNewerSchema(t *testing.T) {
	s := model.Snapshot{SchemaVersion: model.SchemaVersion + 1}
	err := s.Normalize()
	require.ErrorIs(t, err, model.ErrUnsupportedSchema)
}

func TestChatRequestValidate(t *testing.T) {
	assert.Error(t, model.ChatRequest{Message: "   "}.Validate())
	assert.Error(t, model.ChatRequest{Message: strings.Repeat("x", model.MaxMessageLen+1)}.Validate())
	assert.NoError(t, model.ChatRequest{Message: "hello"}.Validate())
}

func TestInteractionType(t *testing.T) {
	assert.True(t, model.InteractionArgument.IsConflict())
	assert.False(t, model.InteractionDeep.IsConflict())
	_, err := model.ParseInteractionType("hug")
	assert.Error(t, err)
}
