// Package persist saves and loads whole-town snapshots. Open picks a backend
// from the URL scheme; every backend stores the same JSON document.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/machi/internal/model"
)

var tracer = otel.Tracer("machi/persist")

// Store is a snapshot backend. Load reports ok=false when nothing has been
// saved yet.
type Store interface {
	Save(ctx context.Context, snap model.Snapshot) error
	Load(ctx context.Context) (model.Snapshot, bool, error)
	Close() error
}

// Schemes accepted by Open.
const (
	SchemeFile       = "file"
	SchemeSQLite     = "sqlite"
	SchemePostgres   = "postgres"
	SchemePostgreSQL = "postgresql"
	SchemeMongo      = "mongodb"
	SchemeMemory     = "memory"
)

// Open connects to the backend named by rawURL.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (Store, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("persist: %q has no scheme", rawURL)
	}

	var (
		s   Store
		err error
	)
	switch strings.ToLower(scheme) {
	case SchemeFile:
		s, err = NewFileStore(rest)
	case SchemeSQLite:
		s, err = OpenSQLite(ctx, rest)
	case SchemePostgres, SchemePostgreSQL:
		s, err = OpenPostgres(ctx, rawURL, logger)
	case SchemeMongo:
		s, err = OpenMongo(ctx, rawURL)
	case SchemeMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("persist: unsupported scheme %q", scheme)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("persist: backend ready", "scheme", scheme)
	return &traced{Store: s, scheme: strings.ToLower(scheme), logger: logger}, nil
}

// traced adds spans and timing logs around a backend.
type traced struct {
	Store
	scheme string
	logger *slog.Logger
}

func (t *traced) Save(ctx context.Context, snap model.Snapshot) error {
	ctx, span := tracer.Start(ctx, "persist.save", trace.WithAttributes(
		attribute.String("machi.persist.scheme", t.scheme),
		attribute.Int64("machi.store_version", int64(snap.StoreVersion)), //nolint:gosec // versions stay far below MaxInt64
	))
	defer span.End()

	start := time.Now()
	if err := t.Store.Save(ctx, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	t.logger.Debug("persist: snapshot saved", "scheme", t.scheme,
		"store_version", snap.StoreVersion, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (t *traced) Load(ctx context.Context) (model.Snapshot, bool, error) {
	ctx, span := tracer.Start(ctx, "persist.load", trace.WithAttributes(
		attribute.String("machi.persist.scheme", t.scheme),
	))
	defer span.End()

	snap, ok, err := t.Store.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return snap, ok, err
}

// encode renders snap as the canonical JSON document.
func encode(snap model.Snapshot) ([]byte, error) {
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = model.SchemaVersion
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("persist: encode snapshot: %w", err)
	}
	return data, nil
}

// decode parses and normalizes a stored document.
func decode(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("persist: decode snapshot: %w", err)
	}
	if err := snap.Normalize(); err != nil {
		return model.Snapshot{}, fmt.Errorf("persist: %w", err)
	}
	return snap, nil
}

// MemoryStore keeps the last saved document in process.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, snap model.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(context.Context) (model.Snapshot, bool, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return model.Snapshot{}, false, nil
	}
	snap, err := decode(data)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Saves returns how many snapshots have been written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
