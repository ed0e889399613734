package surreal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/graph/graphtest"
)

func TestRecordID(t *testing.T) {
	rid, ok := recordID("documents:1234")
	require.True(t, ok)
	assert.Equal(t, "documents", rid.Table)
	assert.Equal(t, "documents:1234", idString(rid))

	for _, bad := range []string{"", "documents", ":1234", "documents:"} {
		_, ok := recordID(bad)
		assert.False(t, ok, bad)
	}
}

func TestUniqueKeyID(t *testing.T) {
	a, err := uniqueKeyID("documents", "name", "report")
	require.NoError(t, err)
	b, err := uniqueKeyID("documents", "name", "report")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := uniqueKeyID("users", "name", "report")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)

	num, err := uniqueKeyID("values", "key", 1)
	require.NoError(t, err)
	str, err := uniqueKeyID("values", "key", "1")
	require.NoError(t, err)
	assert.NotEqual(t, num.ID, str.ID, "types are part of the key")
}

func TestEqualValues(t *testing.T) {
	assert.True(t, equalValues(int64(3), uint64(3)))
	assert.True(t, equalValues(3, float64(3)))
	assert.False(t, equalValues(3, "3"))
	assert.True(t, equalValues("alice", "alice"))
	assert.False(t, equalValues(nil, "alice"))

	assert.True(t, fieldsMatch(map[string]any{"username": "bob", "n": uint64(1)}, map[string]any{"n": 1}))
	assert.False(t, fieldsMatch(map[string]any{}, map[string]any{"username": "bob"}))
}

func TestNextSeq(t *testing.T) {
	g := &Graph{}
	prev := g.nextSeq()
	for i := 0; i < 1000; i++ {
		next := g.nextSeq()
		require.Greater(t, next, prev)
		prev = next
	}
}

func connect(t *testing.T) *Graph {
	t.Helper()
	url := os.Getenv("TEST_SURREAL_URL")
	if url == "" {
		t.Skip("TEST_SURREAL_URL not set; skipping SurrealDB integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, err := Connect(ctx, Config{
		URL:       url,
		Namespace: "docstore_test",
		Database:  fmt.Sprintf("t_%s", uuid.NewString()[:8]),
		Username:  os.Getenv("TEST_SURREAL_USER"),
		Password:  os.Getenv("TEST_SURREAL_PASS"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.Migrate(ctx))
	return g
}

func TestGraph_Contract(t *testing.T) {
	graphtest.Run(t, connect(t))
}

func TestGraph_DocumentStore(t *testing.T) {
	g := connect(t)
	ctx := context.Background()

	store, err := docstore.New(docstore.WithGraph(g))
	require.NoError(t, err)

	for _, payload := range []string{"C1", "C2"} {
		doc, err := store.Open(ctx, "surreal-doc", "en")
		require.NoError(t, err)
		doc.SetContent([]byte(payload))
		require.NoError(t, doc.Save(ctx, "alice"))
	}

	doc, err := store.Open(ctx, "surreal-doc", "en")
	require.NoError(t, err)
	content, err := doc.CurrentContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C2", string(content))
	require.NoError(t, doc.Verify(ctx))
}
