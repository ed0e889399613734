package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/graph/graphtest"
	"github.com/tendant/simple-docstore/pkg/docstore/graph/memory"
)

func TestGraph_UniqueKeys(t *testing.T) {
	g := memory.New()
	ctx := context.Background()

	t.Run("GetOrCreate is idempotent", func(t *testing.T) {
		a, created, err := g.GetOrCreateByUniqueKey(ctx, "documents", "name", "home", map[string]any{"name": "home"})
		require.NoError(t, err)
		assert.True(t, created)

		b, created, err := g.GetOrCreateByUniqueKey(ctx, "documents", "name", "home", nil)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.ID, b.ID)
	})

	t.Run("keys are scoped by collection", func(t *testing.T) {
		a, _, err := g.GetOrCreateByUniqueKey(ctx, "users", "name", "home", nil)
		require.NoError(t, err)
		b, found, err := g.LookupUnique(ctx, "documents", "name", "home")
		require.NoError(t, err)
		require.True(t, found)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("LookupUnique miss", func(t *testing.T) {
		rec, found, err := g.LookupUnique(ctx, "documents", "name", "missing")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, rec)
	})

	t.Run("concurrent GetOrCreate yields one record", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make([]string, 16)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, _, err := g.GetOrCreateByUniqueKey(ctx, "users", "username", "alice", nil)
				assert.NoError(t, err)
				ids[i] = rec.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})
}

func TestGraph_Records(t *testing.T) {
	g := memory.New()
	ctx := context.Background()

	rec, err := g.CreateRecord(ctx, "revisions", map[string]any{"version": int64(0)})
	require.NoError(t, err)

	rec.Fields["version"] = int64(99)
	got, err := g.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Fields["version"], "records are copied on return")

	_, err = g.GetRecord(ctx, "nope")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGraph_Relationships(t *testing.T) {
	g := memory.New()
	ctx := context.Background()

	doc, err := g.CreateRecord(ctx, "documents", map[string]any{"name": "d"})
	require.NoError(t, err)
	alice, err := g.CreateRecord(ctx, "users", map[string]any{"username": "alice"})
	require.NoError(t, err)
	bob, err := g.CreateRecord(ctx, "users", map[string]any{"username": "bob"})
	require.NoError(t, err)

	for _, u := range []string{alice.ID, alice.ID, bob.ID} {
		_, err := g.CreateRelationship(ctx, u, doc.ID, "ALLOWED", nil)
		require.NoError(t, err)
	}

	t.Run("Related with predicate", func(t *testing.T) {
		rels, err := g.Related(ctx, docstore.EdgeMatch{
			Node:      doc.ID,
			Direction: docstore.Incoming,
			Label:     "ALLOWED",
			Where:     map[string]any{"username": "alice"},
		})
		require.NoError(t, err)
		require.Len(t, rels, 2)
		assert.Equal(t, alice.ID, rels[0].Node.ID)
	})

	t.Run("Related by far id", func(t *testing.T) {
		rels, err := g.Related(ctx, docstore.EdgeMatch{Node: bob.ID, Direction: docstore.Outgoing, Other: doc.ID})
		require.NoError(t, err)
		assert.Len(t, rels, 1)
	})

	t.Run("labels are data", func(t *testing.T) {
		rels, err := g.Related(ctx, docstore.EdgeMatch{Node: doc.ID, Direction: docstore.Incoming, Label: "ALLOWED' OR 1=1"})
		require.NoError(t, err)
		assert.Empty(t, rels)
	})

	t.Run("DeleteRelationships removes duplicates", func(t *testing.T) {
		n, err := g.DeleteRelationships(ctx, docstore.EdgeMatch{
			Node:      doc.ID,
			Direction: docstore.Incoming,
			Label:     "ALLOWED",
			Where:     map[string]any{"username": "alice"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rels, err := g.Related(ctx, docstore.EdgeMatch{Node: doc.ID, Direction: docstore.Incoming})
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, bob.ID, rels[0].Node.ID)
	})

	t.Run("dangling endpoints are rejected", func(t *testing.T) {
		_, err := g.CreateRelationship(ctx, "missing", doc.ID, "X", nil)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})
}

func TestGraph_Contract(t *testing.T) {
	graphtest.Run(t, memory.New())
}
