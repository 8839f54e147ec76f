package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ashita-ai/machi/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// QdrantStore keeps memories as points in one collection, one keyword
// payload index per filterable field.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	logger     *slog.Logger
	health     *healthCache
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port is swapped for gRPC.
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantStore connects to Qdrant over gRPC. Call EnsureCollection before use.
func NewQdrantStore(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}
	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
		logger:     logger,
	}
	s.health = &healthCache{ttl: 5 * time.Second, probe: func(ctx context.Context) error {
		if _, err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("memory: qdrant unhealthy: %w", err)
		}
		return nil
	}}
	return s, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the payload indexes are present. CreateFieldIndex is idempotent.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}
	if !exists {
		if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.embedder.Dimensions()), //nolint:gosec // validated positive by config
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", s.collection, err)
		}
		s.logger.Info("memory: created qdrant collection", "collection", s.collection, "dims", s.embedder.Dimensions())
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"agent", "partner", "kind"} {
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("memory: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Remember embeds and upserts one memory.
func (s *QdrantStore) Remember(ctx context.Context, m model.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(m.ID.String()),
			Vectors: qdrant.NewVectorsDense(vec.Slice()),
			Payload: qdrant.NewValueMap(payloadFor(m)),
		}},
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert: %w", err)
	}
	return nil
}

func payloadFor(m model.Memory) map[string]any {
	p := map[string]any{
		"agent":        m.Agent,
		"content":      m.Content,
		"kind":         m.Kind,
		"created_unix": float64(m.CreatedAt.Unix()),
	}
	if m.Partner != "" {
		p["partner"] = m.Partner
	}
	return p
}

// Recall returns the agent's memories most similar to query.
func (s *QdrantStore) Recall(ctx context.Context, agent, query string, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = DefaultRecall
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	fetch := uint64(limit) //nolint:gosec // positive
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("agent", agent)}},
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	out := make([]model.Memory, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.Id.GetUuid())
		if err != nil {
			s.logger.Warn("memory: invalid UUID in point ID", "id", sp.Id.GetUuid())
			continue
		}
		pl := sp.GetPayload()
		out = append(out, model.Memory{
			ID:        id,
			Agent:     pl["agent"].GetStringValue(),
			Partner:   pl["partner"].GetStringValue(),
			Content:   pl["content"].GetStringValue(),
			Kind:      pl["kind"].GetStringValue(),
			CreatedAt: time.Unix(int64(pl["created_unix"].GetDoubleValue()), 0).UTC(),
			Score:     sp.Score,
		})
	}
	return out, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds.
func (s *QdrantStore) Healthy(context.Context) error {
	return s.health.check()
}

// Close shuts down the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
