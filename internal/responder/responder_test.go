package responder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payload() model.InteractionPayload {
	return model.InteractionPayload{
		Speaker:     model.AgentRecord{Name: "Anna", Profession: "chef", Location: "repair_shop", Emotion: 0.7},
		Personality: "warm and cheerful",
		Partner:     "Tom",
		Message:     "Can you fix my oven?",
		Type:        model.InteractionFriendly,
		Score:       64,
		Memories:    []model.Memory{{Content: "Tom fixed my bicycle last spring."}},
	}
}

func TestBuildPrompt(t *testing.T) {
	system, user := BuildPrompt(payload())
	assert.Contains(t, system, "You are Anna, a chef")
	assert.Contains(t, system, "warm and cheerful")
	assert.Contains(t, system, "repair shop")
	assert.Contains(t, system, "elated")
	assert.Contains(t, user, "relationship score with them is 64")
	assert.Contains(t, user, "Tom fixed my bicycle")
	assert.Contains(t, user, `Tom says: "Can you fix my oven?"`)

	p := payload()
	p.Partner, p.Memories = "", nil
	_, user = BuildPrompt(p)
	assert.Contains(t, user, "A visitor says to you")
	assert.NotContains(t, user, "relationship score")

	p.Message, p.Topic = "", "weekend plans"
	_, user = BuildPrompt(p)
	assert.Contains(t, user, "on your own, thinking about weekend plans")

	p.Partner = "Tom and Mike"
	_, user = BuildPrompt(p)
	assert.Contains(t, user, "You run into Tom and Mike")
	assert.Contains(t, user, "Start a conversation about weekend plans.")
}

func TestOllama_Respond(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5:7b", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: chatMessage{Role: "assistant", Content: "  \"Sure, bring it by!\"\nextra"}})
	}))
	defer srv.Close()

	line, err := NewOllama(srv.URL, "qwen2.5:7b").Respond(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "Sure, bring it by!", line)
}

func TestOllama_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "m").Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
}

func TestOllama_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := NewOllama(url, "m")
	_, err := o.Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
	assert.False(t, o.Reachable(context.Background()))
}

func TestOllama_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewOllama(srv.URL, "m").Respond(ctx, payload())
	assert.ErrorIs(t, err, model.ErrResponseTimeout)
}

func TestOpenAI_Respond(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-chat", req.Model)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Of course, Anna."}}]}`))
	}))
	defer srv.Close()

	line, err := NewOpenAI("sk-test", srv.URL+"/v1/", "deepseek-chat").Respond(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "Of course, Anna.", line)
}

func TestOpenAI_ClientErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewOpenAI("nope", srv.URL, "m").Respond(context.Background(), payload())
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrCollaboratorUnavailable)
	assert.Contains(t, err.Error(), "status 401")
}

func TestOpenAI_RateLimitIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAI("k", srv.URL, "m").Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
}

type stub struct {
	name  string
	line  string
	err   error
	calls int
}

func (s *stub) Name() string { return s.name }

func (s *stub) Respond(context.Context, model.InteractionPayload) (string, error) {
	s.calls++
	return s.line, s.err
}

func TestChain(t *testing.T) {
	down := &stub{name: "a", err: model.ErrCollaboratorUnavailable}
	up := &stub{name: "b", line: "hello"}
	never := &stub{name: "c", line: "unused"}
	c := NewChain(testLogger(), down, up, never)
	assert.Equal(t, "chain(a,b,c)", c.Name())

	line, err := c.Respond(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
	assert.Equal(t, 0, never.calls)
}

func TestChain_StopsOnTimeout(t *testing.T) {
	slow := &stub{name: "slow", err: model.ErrResponseTimeout}
	next := &stub{name: "next", line: "x"}
	_, err := NewChain(testLogger(), slow, next).Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrResponseTimeout)
	assert.Equal(t, 0, next.calls)
}

func TestChain_AllUnavailable(t *testing.T) {
	boom := errors.New("refused")
	a := &stub{name: "a", err: errors.Join(model.ErrCollaboratorUnavailable, boom)}
	_, err := NewChain(testLogger(), a).Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = NewChain(testLogger()).Respond(context.Background(), payload())
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
}

func TestPlaceholder_Deterministic(t *testing.T) {
	p := payload()
	first, err := Placeholder{}.Respond(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	for range 5 {
		assert.Equal(t, first, Line(p))
	}
	assert.Contains(t, professionLines["chef"], first)

	p.Type = model.InteractionArgument
	assert.Contains(t, typeLines[model.InteractionArgument], Line(p))

	p.Type = model.InteractionCasual
	p.Speaker.Profession = "astronaut"
	assert.Contains(t, genericLines, Fallback(p, model.ErrResponseTimeout))
}
