// Package graphtest holds the behaviour every docstore.GraphBackend must
// share. Backend packages call Run from their own tests.
package graphtest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// Run exercises backend against the GraphBackend contract. Each run uses
// fresh unique values so a shared database can be reused between runs.
func Run(t *testing.T, backend docstore.GraphBackend) {
	ctx := context.Background()
	suffix := uuid.NewString()

	t.Run("GetOrCreateByUniqueKey", func(t *testing.T) {
		name := "doc-" + suffix
		a, created, err := backend.GetOrCreateByUniqueKey(ctx, docstore.CollectionDocuments, "name", name,
			map[string]any{"name": name, "extra": "x"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, docstore.CollectionDocuments, a.Collection)
		assert.Equal(t, "x", a.Fields["extra"])

		b, created, err := backend.GetOrCreateByUniqueKey(ctx, docstore.CollectionDocuments, "name", name, nil)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.ID, b.ID)

		found, ok, err := backend.LookupUnique(ctx, docstore.CollectionDocuments, "name", name)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.ID, found.ID)

		_, ok, err = backend.LookupUnique(ctx, docstore.CollectionDocuments, "name", "missing-"+suffix)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentGetOrCreate", func(t *testing.T) {
		username := "user-" + suffix
		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, len(ids))
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, _, err := backend.GetOrCreateByUniqueKey(ctx, docstore.CollectionUsers, "username", username,
					map[string]any{"username": username})
				errs[i] = err
				if err == nil {
					ids[i] = rec.ID
				}
			}(i)
		}
		wg.Wait()
		for i := range ids {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
	})

	t.Run("Records", func(t *testing.T) {
		rec, err := backend.CreateRecord(ctx, docstore.CollectionRevisions, map[string]any{
			"version": int64(3),
			"creator": "alice",
		})
		require.NoError(t, err)
		require.NotEmpty(t, rec.ID)

		got, err := backend.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, docstore.CollectionRevisions, got.Collection)
		assert.Equal(t, "alice", got.Fields["creator"])

		_, err = backend.GetRecord(ctx, "missing-"+suffix)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("Relationships", func(t *testing.T) {
		doc, err := backend.CreateRecord(ctx, docstore.CollectionDocuments, map[string]any{"name": "rel-" + suffix})
		require.NoError(t, err)
		tr, err := backend.CreateRecord(ctx, docstore.CollectionTranslations, map[string]any{"language": "EN"})
		require.NoError(t, err)
		val, err := backend.CreateRecord(ctx, docstore.CollectionValues, map[string]any{"key": "s:x"})
		require.NoError(t, err)
		alice, err := backend.CreateRecord(ctx, docstore.CollectionUsers, map[string]any{"username": "alice-" + suffix})
		require.NoError(t, err)
		bob, err := backend.CreateRecord(ctx, docstore.CollectionUsers, map[string]any{"username": "bob-" + suffix})
		require.NoError(t, err)

		_, err = backend.CreateRelationship(ctx, doc.ID, tr.ID, "EN", nil)
		require.NoError(t, err)
		_, err = backend.CreateRelationship(ctx, doc.ID, val.ID, "tag", map[string]any{"note": "first"})
		require.NoError(t, err)
		for _, u := range []string{alice.ID, alice.ID, bob.ID} {
			_, err := backend.CreateRelationship(ctx, u, doc.ID, docstore.LabelAllowed, nil)
			require.NoError(t, err)
		}

		out, err := backend.Related(ctx, docstore.EdgeMatch{Node: doc.ID, Direction: docstore.Outgoing})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, tr.ID, out[0].Node.ID, "creation order")
		assert.Equal(t, "EN", out[0].Edge.Label)
		assert.Equal(t, "first", out[1].Edge.Properties["note"])

		byCollection, err := backend.Related(ctx, docstore.EdgeMatch{
			Node:            doc.ID,
			Direction:       docstore.Outgoing,
			OtherCollection: docstore.CollectionValues,
		})
		require.NoError(t, err)
		require.Len(t, byCollection, 1)
		assert.Equal(t, val.ID, byCollection[0].Node.ID)

		allowed := docstore.EdgeMatch{
			Node:      doc.ID,
			Direction: docstore.Incoming,
			Label:     docstore.LabelAllowed,
			Where:     map[string]any{"username": "alice-" + suffix},
		}
		in, err := backend.Related(ctx, allowed)
		require.NoError(t, err)
		require.Len(t, in, 2)
		assert.Equal(t, alice.ID, in[0].Node.ID)
		assert.Equal(t, doc.ID, in[0].Edge.To)

		injected, err := backend.Related(ctx, docstore.EdgeMatch{
			Node:      doc.ID,
			Direction: docstore.Incoming,
			Label:     "ALLOWED' OR '1'='1",
		})
		require.NoError(t, err)
		assert.Empty(t, injected)

		n, err := backend.DeleteRelationships(ctx, allowed)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rest, err := backend.Related(ctx, docstore.EdgeMatch{Node: doc.ID, Direction: docstore.Incoming, Other: bob.ID})
		require.NoError(t, err)
		assert.Len(t, rest, 1)

		n, err = backend.DeleteRelationships(ctx, allowed)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
