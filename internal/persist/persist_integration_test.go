//go:build integration

package persist

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/testutil"
)

var (
	pgContainer    *testutil.TestContainer
	mongoContainer *testutil.TestContainer
)

func TestMain(m *testing.M) {
	pgContainer = testutil.MustStartPostgres()
	mongoContainer = testutil.MustStartMongo()
	code := m.Run()
	pgContainer.Terminate()
	mongoContainer.Terminate()
	os.Exit(code)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s, err := Open(context.Background(), pgContainer.URL, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	roundTrip(t, s)
}

func TestPostgresStore_SharedPool(t *testing.T) {
	ctx := context.Background()
	db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close()

	s, err := NewPostgresStore(ctx, db, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleSnapshot(42)))
	require.NoError(t, s.Close())
	require.NoError(t, db.Ping(ctx), "a borrowed pool stays open")

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), got.StoreVersion)
}

func TestMongoStore_RoundTrip(t *testing.T) {
	s, err := Open(context.Background(), mongoContainer.URL, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	roundTrip(t, s)
}
