package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "rest port swapped for grpc", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "grpc port kept", rawURL: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "no port", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "empty", rawURL: "", wantErr: true},
		{name: "no host", rawURL: "not-a-url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestPayloadFor(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := payloadFor(model.Memory{Agent: "Emma", Content: "painted the park", Kind: "chat", CreatedAt: at})
	assert.Equal(t, "Emma", p["agent"])
	assert.Equal(t, float64(at.Unix()), p["created_unix"])
	_, hasPartner := p["partner"]
	assert.False(t, hasPartner)

	p = payloadFor(model.Memory{Agent: "Emma", Partner: "Mike"})
	assert.Equal(t, "Mike", p["partner"])
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n := 4
		if req.Prompt == "wrong size" {
			n = 3
		}
		vec := make([]float32, n)
		for i := range vec {
			vec[i] = float32(i) * 0.5
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "mxbai-embed-large", 4)
	assert.Equal(t, 4, e.Dimensions())
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5, 1, 1.5}, vec.Slice())

	_, err = e.Embed(context.Background(), "wrong size")
	assert.ErrorContains(t, err, "3 dimensions")
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no model", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedder(srv.URL, "m", 4).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "status 500")
}

func TestNoop(t *testing.T) {
	var s Store = Noop{}
	require.NoError(t, s.Remember(context.Background(), model.Memory{Agent: "Tom"}))
	got, err := s.Recall(context.Background(), "Tom", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, s.Healthy(context.Background()))
	assert.NoError(t, s.Close())

	vec, err := NewNoopEmbedder(8).Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 8)
}

func TestHealthCache(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("down")
	h := &healthCache{ttl: time.Hour, probe: func(context.Context) error {
		calls.Add(1)
		return boom
	}}
	assert.ErrorIs(t, h.check(), boom)
	assert.ErrorIs(t, h.check(), boom)
	assert.Equal(t, int32(1), calls.Load(), "second call served from cache")

	h2 := &healthCache{ttl: 0, probe: func(context.Context) error { return nil }}
	assert.NoError(t, h2.check())
	assert.NoError(t, h2.check())
}

func TestQdrantStore_UnreachableIsUnhealthy(t *testing.T) {
	s, err := NewQdrantStore(QdrantConfig{
		URL:        "http://localhost:16334", // nothing listens here; gRPC connects lazily
		Collection: "test_memories",
	}, NewNoopEmbedder(4), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Error(t, s.Healthy(context.Background()))
}
