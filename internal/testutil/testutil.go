// Package testutil provides shared container infrastructure for integration
// tests against Postgres with pgvector, Qdrant and MongoDB.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/migrations"
)

// TestContainer wraps a testcontainers container with the URL for connecting.
type TestContainer struct {
	Container testcontainers.Container
	URL       string
}

func mustStart(req testcontainers.ContainerRequest, port string, url func(host, port string) string) *TestContainer {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return &TestContainer{Container: container, URL: url(host, mapped.Port())}
}

// MustStartPostgres starts Postgres with the pgvector extension available.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "machi",
			"POSTGRES_PASSWORD": "machi",
			"POSTGRES_DB":       "machi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432", func(host, port string) string {
		return fmt.Sprintf("postgres://machi:machi@%s:%s/machi?sslmode=disable", host, port)
	})
}

// MustStartQdrant starts Qdrant and returns its gRPC URL.
func MustStartQdrant() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}, "6334", func(host, port string) string {
		return fmt.Sprintf("http://%s:%s", host, port)
	})
}

// MustStartMongo starts a single-node MongoDB.
func MustStartMongo() *TestContainer {
	return mustStart(testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}, "27017", func(host, port string) string {
		return fmt.Sprintf("mongodb://%s:%s/machi", host, port)
	})
}

// NewTestDB opens a storage.DB on this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
