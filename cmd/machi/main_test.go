package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/persist"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func savedSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "town.json.zst")
	store, err := persist.NewFileStore(path)
	require.NoError(t, err)

	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	snap := model.EmptySnapshot()
	snap.TakenAt = at
	snap.StoreVersion = 17
	snap.Agents["Alex"] = model.AgentRecord{Name: "Alex", Profession: "programmer", Location: "office", Emotion: 0.3}
	snap.Agents["Emma"] = model.AgentRecord{Name: "Emma", Profession: "artist", Location: "park", Emotion: -0.7}
	pair := model.NewPairKey("Emma", "Alex")
	snap.Relationships[pair.String()] = model.RelationshipEdge{Pair: pair, Score: 72, InteractionCount: 6, LastInteraction: at}
	require.NoError(t, store.Save(context.Background(), snap))
	return "file://" + path
}

func TestInspect_Summary(t *testing.T) {
	url := savedSnapshot(t)
	out, err := execute(t, "inspect", "--state", url)
	require.NoError(t, err)
	assert.Contains(t, out, "store version 17")
	assert.Contains(t, out, "2 agents")
	assert.Contains(t, out, "cheerful")
	assert.Contains(t, out, "upset")
	assert.Contains(t, out, "Alex & Emma")
}

func TestInspect_JSON(t *testing.T) {
	url := savedSnapshot(t)
	out, err := execute(t, "inspect", "--state", url, "--json")
	require.NoError(t, err)
	var snap model.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, uint64(17), snap.StoreVersion)
	assert.Len(t, snap.Agents, 2)
}

func TestInspect_Errors(t *testing.T) {
	t.Setenv("MACHI_STATE_URL", "")
	_, err := execute(t, "inspect")
	assert.ErrorContains(t, err, "--state")

	empty := "file://" + filepath.Join(t.TempDir(), "none.json.zst")
	_, err = execute(t, "inspect", "--state", empty)
	assert.ErrorContains(t, err, "no snapshot")
}

func TestRosterValidate(t *testing.T) {
	out, err := execute(t, "roster", "validate", filepath.Join("..", "..", "internal", "roster", "default.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "ok (9 agents, 8 places)")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("locations: [cafe]\nagents:\n  - name: Zed\n    profession: cook\n    location: moon\n"), 0o600))
	_, err = execute(t, "roster", "validate", bad)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
