package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/state"
	"github.com/ashita-ai/machi/internal/town"
	"github.com/ashita-ai/machi/internal/worker"
)

type stubPool struct {
	mu  sync.Mutex
	err error
}

func (p *stubPool) Respond(_ context.Context, pl model.InteractionPayload) (worker.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return worker.Response{}, p.err
	}
	return worker.Response{Text: "Nice to meet you, I'm " + pl.Speaker.Name + "."}, nil
}

func (p *stubPool) SubmitPersist(model.PersistPayload) error { return nil }

func (p *stubPool) Stats() []worker.QueueStats { return nil }

type stubSim struct {
	mu     sync.Mutex
	mode   sim.Mode
	resume error
}

func (s *stubSim) Start() error {
	s.setMode(sim.ModeRunning)
	return nil
}

func (s *stubSim) Stop(context.Context) error {
	s.setMode(sim.ModeStopped)
	return nil
}

func (s *stubSim) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume != nil {
		return s.resume
	}
	s.mode = sim.ModeRunning
	return nil
}

func (s *stubSim) Status() sim.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sim.Status{Mode: s.mode}
}

func (s *stubSim) setMode(m sim.Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *stubPool, *stubSim) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := state.New(state.Seed{Agents: []model.AgentRecord{
		{Name: "Alex", Profession: "programmer", Location: "cafe"},
		{Name: "Emma", Profession: "artist", Location: "cafe"},
		{Name: "Tom", Profession: "mechanic", Location: "repair_shop"},
	}}, state.WithLockTimeout(200*time.Millisecond))
	require.NoError(t, err)

	pool := &stubPool{}
	svc, err := town.New(town.DefaultConfig(), town.Deps{
		Store:  store,
		Pool:   pool,
		Places: []model.Location{"cafe", "library", "repair_shop"},
	}, logger)
	require.NoError(t, err)

	loop := &stubSim{mode: sim.ModeStopped}
	return New(svc, loop, logger, "test"), pool, loop
}

func call(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestTownAgents(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleAgents(ctx, call("town_agents", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var all []map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &all))
	require.Len(t, all, 3)
	assert.Equal(t, "Alex", all[0]["name"])
	assert.Equal(t, "calm", all[0]["mood"])

	result, err = s.handleAgents(ctx, call("town_agents", map[string]any{"location": " Cafe "}))
	require.NoError(t, err)
	var atCafe []map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &atCafe))
	assert.Len(t, atCafe, 2)
}

func TestTownMove(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleMove(ctx, call("town_move", map[string]any{"name": "Tom", "location": "library"}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	var rec model.AgentRecord
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rec))
	assert.Equal(t, model.Location("library"), rec.Location)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing name", map[string]any{"location": "cafe"}, "name is required"},
		{"missing location", map[string]any{"name": "Tom"}, "location is required"},
		{"unknown place", map[string]any{"name": "Tom", "location": "moon"}, model.ErrCodeInvalidInput},
		{"unknown agent", map[string]any{"name": "Zed", "location": "cafe"}, model.ErrCodeAgentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleMove(ctx, call("town_move", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}
}

func TestTownChat(t *testing.T) {
	s, pool, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleChat(ctx, call("town_chat", map[string]any{"name": "Emma", "message": "What are you painting?"}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	var reply model.ChatReply
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &reply))
	assert.Equal(t, "Emma", reply.Agent)
	assert.Contains(t, reply.Text, "Emma")

	result, err = s.handleChat(ctx, call("town_chat", map[string]any{"name": "Emma", "message": "   "}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	pool.mu.Lock()
	pool.err = model.ErrQueueFull
	pool.mu.Unlock()
	result, err = s.handleChat(ctx, call("town_chat", map[string]any{"name": "Emma", "message": "hello"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), model.ErrCodeBusy)
}

func TestTownRelationshipAndStats(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRelationship(ctx, call("town_relationship", map[string]any{"a": "Tom", "b": "Alex"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var edge model.RelationshipEdge
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &edge))
	assert.Equal(t, model.ScoreNeutral, edge.Score)
	assert.Equal(t, model.NewPairKey("Alex", "Tom"), edge.Pair)

	result, err = s.handleRelationship(ctx, call("town_relationship", map[string]any{"a": "Tom", "b": "Tom"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStats(ctx, call("town_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var st town.Stats
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &st))
	assert.Equal(t, 3, st.Agents)
	assert.Equal(t, 2, st.Occupancy["cafe"])
}

func TestTownSim(t *testing.T) {
	s, _, loop := newTestServer(t)
	ctx := context.Background()

	status := func(result *mcplib.CallToolResult) sim.Status {
		t.Helper()
		require.False(t, result.IsError, parseToolText(t, result))
		var st sim.Status
		require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &st))
		return st
	}

	result, err := s.handleSim(ctx, call("town_sim", nil))
	require.NoError(t, err)
	assert.Equal(t, sim.ModeStopped, status(result).Mode)

	result, err = s.handleSim(ctx, call("town_sim", map[string]any{"action": "start"}))
	require.NoError(t, err)
	assert.Equal(t, sim.ModeRunning, status(result).Mode)

	loop.mu.Lock()
	loop.resume = sim.ErrNotPaused
	loop.mu.Unlock()
	result, err = s.handleSim(ctx, call("town_sim", map[string]any{"action": "resume"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), model.ErrCodeConflict)

	result, err = s.handleSim(ctx, call("town_sim", map[string]any{"action": "stop"}))
	require.NoError(t, err)
	assert.Equal(t, sim.ModeStopped, status(result).Mode)

	result, err = s.handleSim(ctx, call("town_sim", map[string]any{"action": "explode"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTownSim_Unavailable(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.sim = nil
	result, err := s.handleSim(context.Background(), call("town_sim", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
