package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/migrations"
)

// postgresRowID is the single row the town's state lives in.
const postgresRowID = "town"

// PostgresStore upserts the snapshot into a JSONB row.
type PostgresStore struct {
	db     *storage.DB
	owned  bool
	logger *slog.Logger
}

// OpenPostgres connects to dsn and runs the embedded migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	s, err := NewPostgresStore(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStore uses an existing pool, which the caller keeps owning.
func NewPostgresStore(ctx context.Context, db *storage.DB, logger *slog.Logger) (*PostgresStore, error) {
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// DB returns the pool so other components can share it.
func (s *PostgresStore) DB() *storage.DB { return s.db }

func (s *PostgresStore) Save(ctx context.Context, snap model.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	err = storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.Pool().Exec(ctx, `
			INSERT INTO machi_snapshots (id, schema_version, store_version, taken_at, document, saved_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (id) DO UPDATE SET
				schema_version = EXCLUDED.schema_version,
				store_version  = EXCLUDED.store_version,
				taken_at       = EXCLUDED.taken_at,
				document       = EXCLUDED.document,
				saved_at       = EXCLUDED.saved_at`,
			postgresRowID, model.SchemaVersion, int64(snap.StoreVersion), //nolint:gosec // versions stay far below MaxInt64
			snap.TakenAt, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("persist: upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (model.Snapshot, bool, error) {
	var data []byte
	err := s.db.Pool().QueryRow(ctx,
		`SELECT document FROM machi_snapshots WHERE id = $1`, postgresRowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: query snapshot: %w", err)
	}
	snap, err := decode(data)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Close releases the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}
