package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// PGVectorStore keeps memories in a Postgres table with a pgvector column
// and recalls them by cosine distance.
type PGVectorStore struct {
	db       *storage.DB
	embedder Embedder
	logger   *slog.Logger
	health   *healthCache
}

// NewPGVectorStore wraps an open pool. Call EnsureSchema before use.
func NewPGVectorStore(db *storage.DB, embedder Embedder, logger *slog.Logger) *PGVectorStore {
	return &PGVectorStore{
		db:       db,
		embedder: embedder,
		logger:   logger,
		health:   &healthCache{ttl: 5 * time.Second, probe: db.Ping},
	}
}

// EnsureSchema creates the memories table sized to the embedder.
func (s *PGVectorStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS machi_memories (
			id         UUID PRIMARY KEY,
			agent      TEXT        NOT NULL,
			partner    TEXT        NOT NULL DEFAULT '',
			kind       TEXT        NOT NULL,
			content    TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding  vector(%d)  NOT NULL
		);
		CREATE INDEX IF NOT EXISTS machi_memories_agent_idx ON machi_memories (agent);
	`, s.embedder.Dimensions())
	if _, err := s.db.Pool().Exec(ctx, ddl); err != nil {
		return fmt.Errorf("memory: ensure pgvector schema: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Remember(ctx context.Context, m model.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		return err
	}
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO machi_memories (id, agent, partner, kind, content, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Agent, m.Partner, m.Kind, m.Content, m.CreatedAt, vec)
	if err != nil {
		return fmt.Errorf("memory: insert memory: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Recall(ctx context.Context, agent, query string, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = DefaultRecall
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, agent, partner, kind, content, created_at, 1 - (embedding <=> $2)
		FROM machi_memories
		WHERE agent = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		agent, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		var score float64
		if err := rows.Scan(&m.ID, &m.Agent, &m.Partner, &m.Kind, &m.Content, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("memory: scan memory: %w", err)
		}
		m.Score = float32(score)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGVectorStore) Healthy(context.Context) error {
	return s.health.check()
}

// Close is a no-op; the pool is owned by whoever opened it.
func (s *PGVectorStore) Close() error { return nil }
