package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/machi/internal/model"
)

// sqliteKeep is how many snapshots the table retains.
const sqliteKeep = 10

// SQLiteStore appends snapshots to a table; the newest row wins on load.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("persist: sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("persist: create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open sqlite: %w", err)
	}
	// One writer keeps WAL simple and makes ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_version INTEGER NOT NULL,
			store_version  INTEGER NOT NULL,
			taken_at       TEXT    NOT NULL,
			saved_at       TEXT    NOT NULL,
			document       BLOB    NOT NULL
		);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("persist: init sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap model.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (schema_version, store_version, taken_at, saved_at, document) VALUES (?, ?, ?, ?, ?)`,
		model.SchemaVersion, int64(snap.StoreVersion), //nolint:gosec // versions stay far below MaxInt64
		snap.TakenAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), data,
	); err != nil {
		return fmt.Errorf("persist: insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE seq NOT IN (SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?)`,
		sqliteKeep,
	); err != nil {
		return fmt.Errorf("persist: prune snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (model.Snapshot, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

// Count returns the number of retained snapshots.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("persist: count snapshots: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
