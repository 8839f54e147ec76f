//go:build integration

package memory

import (
	"context"
	"hash/fnv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/testutil"
)

var (
	pgContainer     *testutil.TestContainer
	qdrantContainer *testutil.TestContainer
)

func TestMain(m *testing.M) {
	pgContainer = testutil.MustStartPostgres()
	qdrantContainer = testutil.MustStartQdrant()
	code := m.Run()
	pgContainer.Terminate()
	qdrantContainer.Terminate()
	os.Exit(code)
}

// bagOfWords hashes each word into one of 16 buckets, so texts sharing
// words land close together.
type bagOfWords struct{}

func (bagOfWords) Dimensions() int { return 16 }

func (bagOfWords) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, 16)
	vec[15] = 0.01 // never the zero vector
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%15]++
	}
	return pgvector.NewVector(vec), nil
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for _, m := range []model.Memory{
		{Agent: "Anna", Partner: "Tom", Kind: "chat", Content: "tom fixed the oven in the kitchen", CreatedAt: now},
		{Agent: "Anna", Kind: "chat", Content: "a visitor asked about the soup recipe", CreatedAt: now},
		{Agent: "Tom", Kind: "chat", Content: "the oven needed a new thermostat", CreatedAt: now},
	} {
		require.NoError(t, s.Remember(ctx, m))
	}

	got, err := s.Recall(ctx, "Anna", "oven kitchen", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Anna", got[0].Agent)
	assert.Equal(t, "Tom", got[0].Partner)
	assert.Contains(t, got[0].Content, "oven")
	assert.Equal(t, now, got[0].CreatedAt)

	all, err := s.Recall(ctx, "Anna", "anything", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2, "recall is scoped to one agent")

	assert.NoError(t, s.Healthy(ctx))
}

func TestPGVectorStore(t *testing.T) {
	ctx := context.Background()
	db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close()

	s := NewPGVectorStore(db, bagOfWords{}, testutil.TestLogger())
	require.NoError(t, s.EnsureSchema(ctx))
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

func TestQdrantStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewQdrantStore(QdrantConfig{URL: qdrantContainer.URL, Collection: "it_memories"}, bagOfWords{}, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.EnsureCollection(ctx))
	require.NoError(t, s.EnsureCollection(ctx), "idempotent")
	exerciseStore(t, s)
}
