//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/testutil"
)

var pg *testutil.TestContainer

func TestMain(m *testing.M) {
	pg = testutil.MustStartPostgres()
	code := m.Run()
	pg.Terminate()
	os.Exit(code)
}

func TestNew_BadDSN(t *testing.T) {
	_, err := storage.New(context.Background(), "://nope", testutil.TestLogger())
	assert.ErrorContains(t, err, "parse DSN")
}

func TestRunMigrations_AppliesOnce(t *testing.T) {
	ctx := context.Background()
	db, err := pg.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close()

	extra := fstest.MapFS{
		"900_counter.sql": {Data: []byte(`CREATE TABLE migration_probe (n INT); INSERT INTO migration_probe VALUES (1);`)},
		"README.md":       {Data: []byte("ignored")},
	}
	require.NoError(t, db.RunMigrations(ctx, extra))
	require.NoError(t, db.RunMigrations(ctx, extra))

	var rows int
	require.NoError(t, db.Pool().QueryRow(ctx, `SELECT count(*) FROM migration_probe`).Scan(&rows))
	assert.Equal(t, 1, rows)

	var applied bool
	require.NoError(t, db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = '001_snapshots.sql')`).Scan(&applied))
	assert.True(t, applied)
	require.NoError(t, db.Ping(ctx))
}
