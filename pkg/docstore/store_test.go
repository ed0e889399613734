package docstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/graph/memory"
	memorystorage "github.com/tendant/simple-docstore/pkg/docstore/storage/memory"
)

func newStore(t *testing.T, opts ...docstore.Option) (*docstore.Store, *memory.Graph) {
	t.Helper()
	g := memory.New()
	store, err := docstore.New(append([]docstore.Option{docstore.WithGraph(g)}, opts...)...)
	require.NoError(t, err)
	return store, g
}

func saveContent(t *testing.T, store *docstore.Store, name, lang, user, payload string) *docstore.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := store.Open(ctx, name, lang)
	require.NoError(t, err)
	doc.SetContent([]byte(payload))
	require.NoError(t, doc.Save(ctx, user))
	return doc
}

func TestStoreCreation(t *testing.T) {
	_, err := docstore.New()
	assert.Error(t, err)

	store, err := docstore.New(docstore.WithGraph(memory.New()))
	assert.NoError(t, err)
	assert.NotNil(t, store)
}

func TestOpen(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	t.Run("missing document starts unpersisted", func(t *testing.T) {
		doc, err := store.Open(ctx, "new-doc", "en")
		require.NoError(t, err)
		assert.False(t, doc.Persisted())
		assert.Equal(t, "EN", doc.Language())
		assert.Empty(t, doc.ID())

		_, found, err := store.ResolveDocument(ctx, "new-doc")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("repeated open resolves the same record", func(t *testing.T) {
		for _, name := range []string{"a", "with space", "ünïcode", "x'); DROP TABLE graph_nodes;--"} {
			saveContent(t, store, name, "en", "alice", "v")

			first, err := store.Open(ctx, name, "en")
			require.NoError(t, err)
			second, err := store.Open(ctx, name, "fr")
			require.NoError(t, err)
			assert.True(t, first.Persisted())
			assert.Equal(t, first.ID(), second.ID(), name)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := store.Open(ctx, " ", "en")
		assert.ErrorIs(t, err, docstore.ErrInvalidName)
		_, err = store.Open(ctx, "doc", "??")
		assert.ErrorIs(t, err, docstore.ErrInvalidLanguage)
	})
}

func TestContentVersioning(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newStore(t, docstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	saveContent(t, store, "page", "en", "alice", "C1")
	saveContent(t, store, "page", "en", "bob", "C2")

	doc, err := store.Open(ctx, "page", "en")
	require.NoError(t, err)

	content, err := doc.CurrentContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C2", string(content))

	history, err := doc.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(0), history[0].Version)
	assert.Equal(t, int64(1), history[1].Version)
	assert.Equal(t, "alice", history[0].Creator)
	assert.Equal(t, "bob", history[1].Creator)
	assert.True(t, now.Equal(history[0].CreatedAt))

	old, err := store.RevisionPayload(ctx, history[0])
	require.NoError(t, err)
	assert.Equal(t, "C1", string(old))

	assert.NoError(t, doc.Verify(ctx))

	t.Run("languages version independently", func(t *testing.T) {
		saveContent(t, store, "page", "fr", "alice", "F1")
		fr, err := store.DocumentContent(ctx, "page", "fr")
		require.NoError(t, err)
		assert.Equal(t, "F1", string(fr))

		langs, err := store.Translations(ctx, "page")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"EN", "FR"}, langs)

		frDoc, err := store.Open(ctx, "page", "fr")
		require.NoError(t, err)
		h, err := frDoc.History(ctx)
		require.NoError(t, err)
		require.Len(t, h, 1)
		assert.Equal(t, int64(0), h[0].Version)
	})

	t.Run("save without content keeps history", func(t *testing.T) {
		doc, err := store.Open(ctx, "page", "en")
		require.NoError(t, err)
		require.NoError(t, doc.AddAttribute("status", "draft", false))
		require.NoError(t, doc.Save(ctx, "alice"))

		h, err := doc.History(ctx)
		require.NoError(t, err)
		assert.Len(t, h, 2)
	})
}

func TestCurrentContentNotFound(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	doc, err := store.Open(ctx, "ghost", "en")
	require.NoError(t, err)
	_, err = doc.CurrentContent(ctx)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	// persisted with attributes only
	require.NoError(t, doc.AddAttribute("k", "v", false))
	require.NoError(t, doc.Save(ctx, "alice"))
	_, err = doc.CurrentContent(ctx)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	// translation never created
	_, err = store.DocumentContent(ctx, "ghost", "de")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = store.Translations(ctx, "nobody")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestAttributes(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	doc, err := store.Open(ctx, "article", "en")
	require.NoError(t, err)
	require.NoError(t, doc.AddAttribute("Tag", "v1", false))
	require.NoError(t, doc.AddAttribute("tag", "v2", false))
	require.NoError(t, doc.AddAttribute("title", "Hello", true))
	require.NoError(t, doc.AddAttribute("views", 10, false))

	v, ok := doc.Attribute("TAG", false)
	require.True(t, ok)
	assert.True(t, v.IsSet())
	assert.ElementsMatch(t, []any{"v1", "v2"}, v.Values())

	require.NoError(t, doc.Save(ctx, "alice"))

	t.Run("reload keeps sets and types", func(t *testing.T) {
		loaded, err := store.Open(ctx, "article", "en")
		require.NoError(t, err)

		tags, ok := loaded.Attribute("tag", false)
		require.True(t, ok)
		assert.ElementsMatch(t, []any{"v1", "v2"}, tags.Values())

		views, ok := loaded.Attribute("views", false)
		require.True(t, ok)
		s, _ := views.Scalar()
		assert.Equal(t, int64(10), s)

		title, ok := loaded.Attribute("title", true)
		require.True(t, ok)
		s, _ = title.Scalar()
		assert.Equal(t, "Hello", s)
	})

	t.Run("translatable attributes stay with their language", func(t *testing.T) {
		fr, err := store.Open(ctx, "article", "fr")
		require.NoError(t, err)
		_, ok := fr.Attribute("title", true)
		assert.False(t, ok)
		_, ok = fr.Attribute("tag", false)
		assert.True(t, ok, "untranslatable attributes are shared")
	})

	t.Run("resaving does not duplicate loaded values", func(t *testing.T) {
		loaded, err := store.Open(ctx, "article", "en")
		require.NoError(t, err)
		require.NoError(t, loaded.AddAttribute("tag", "v3", false))
		require.NoError(t, loaded.Save(ctx, "alice"))

		again, err := store.Open(ctx, "article", "en")
		require.NoError(t, err)
		tags, _ := again.Attribute("tag", false)
		assert.Equal(t, 3, tags.Len())
	})

	t.Run("values are shared across documents", func(t *testing.T) {
		other, err := store.Open(ctx, "other", "en")
		require.NoError(t, err)
		require.NoError(t, other.AddAttribute("tag", "v1", false))
		require.NoError(t, other.Save(ctx, "bob"))

		g := memory.New()
		s2, err := docstore.New(docstore.WithGraph(g))
		require.NoError(t, err)
		for _, name := range []string{"one", "two"} {
			d, err := s2.Open(ctx, name, "en")
			require.NoError(t, err)
			require.NoError(t, d.AddAttribute("color", "red", false))
			require.NoError(t, d.Save(ctx, "alice"))
		}
		_, created, err := g.GetOrCreateByUniqueKey(ctx, docstore.CollectionValues, "key", "s:red", nil)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("invalid value", func(t *testing.T) {
		err := doc.AddAttribute("bad", map[string]int{}, false)
		assert.ErrorIs(t, err, docstore.ErrInvalidValue)
	})
}

func TestPermissions(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	doc := saveContent(t, store, "secret", "en", "owner", "x")

	t.Run("saving grants the acting user", func(t *testing.T) {
		ok, err := doc.CheckPermission(ctx, "owner")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	for _, user := range []string{"alice", "bob", "Ünïcode", "o'brien"} {
		t.Run("grant and revoke "+user, func(t *testing.T) {
			ok, err := doc.CheckPermission(ctx, user)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, doc.GrantPermission(ctx, user))
			ok, err = doc.CheckPermission(ctx, user)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, doc.RevokePermission(ctx, user))
			ok, err = doc.CheckPermission(ctx, user)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("revoking a missing grant is a no-op", func(t *testing.T) {
		assert.NoError(t, doc.RevokePermission(ctx, "never-granted"))
		ok, err := doc.CheckPermission(ctx, "owner")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("duplicate grants are all revoked", func(t *testing.T) {
		require.NoError(t, doc.GrantPermission(ctx, "carol"))
		require.NoError(t, doc.GrantPermission(ctx, "carol"))
		require.NoError(t, doc.RevokePermission(ctx, "carol"))
		ok, err := doc.CheckPermission(ctx, "carol")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("grants are per document", func(t *testing.T) {
		other := saveContent(t, store, "public", "en", "dave", "y")
		ok, err := other.CheckPermission(ctx, "owner")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unsaved document is a soft no-op", func(t *testing.T) {
		fresh, err := store.Open(ctx, "never-saved", "en")
		require.NoError(t, err)
		assert.NoError(t, fresh.GrantPermission(ctx, "alice"))
		assert.NoError(t, fresh.RevokePermission(ctx, "alice"))
		ok, err := fresh.CheckPermission(ctx, "alice")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, fresh.Persisted())
	})

	t.Run("empty username", func(t *testing.T) {
		assert.ErrorIs(t, doc.GrantPermission(ctx, ""), docstore.ErrInvalidName)
		assert.ErrorIs(t, doc.Save(ctx, ""), docstore.ErrInvalidName)
	})
}

func TestMissingCurrentPointer(t *testing.T) {
	store, g := newStore(t)
	ctx := context.Background()

	saveContent(t, store, "doc", "en", "alice", "C1")
	doc := saveContent(t, store, "doc", "en", "alice", "C2")

	history, err := doc.History(ctx)
	require.NoError(t, err)
	rels, err := g.Related(ctx, docstore.EdgeMatch{Node: doc.ID(), Label: "EN"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	translationID := rels[0].Node.ID

	_, err = g.DeleteRelationships(ctx, docstore.EdgeMatch{Node: translationID, Label: docstore.LabelCurrent})
	require.NoError(t, err)

	_, err = doc.CurrentContent(ctx)
	require.ErrorIs(t, err, docstore.ErrInconsistentState)
	var ise *docstore.InconsistentStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, history[1].ID, ise.Latest.ID)
	assert.Error(t, doc.Verify(ctx))

	rev, err := doc.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev.Version)

	content, err := doc.CurrentContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C2", string(content))
	assert.NoError(t, doc.Verify(ctx))

	t.Run("multiple current pointers", func(t *testing.T) {
		_, err := g.CreateRelationship(ctx, translationID, history[0].ID, docstore.LabelCurrent, nil)
		require.NoError(t, err)
		_, err = doc.CurrentContent(ctx)
		assert.ErrorIs(t, err, docstore.ErrInconsistentState)
	})
}

// racingGraph holds every content history read until n readers have
// arrived, forcing concurrent saves to observe the same latest version.
type racingGraph struct {
	docstore.GraphBackend
	armed   atomic.Bool
	barrier sync.WaitGroup
}

func (r *racingGraph) Related(ctx context.Context, m docstore.EdgeMatch) ([]docstore.Relation, error) {
	rels, err := r.GraphBackend.Related(ctx, m)
	if m.Label == docstore.LabelHasContent && r.armed.Load() {
		r.barrier.Done()
		r.barrier.Wait()
	}
	return rels, err
}

func TestConcurrentSaveRaceIsDetected(t *testing.T) {
	ctx := context.Background()
	g := &racingGraph{GraphBackend: memory.New()}
	store, err := docstore.New(docstore.WithGraph(g))
	require.NoError(t, err)

	saveContent(t, store, "bystander", "en", "alice", "untouched")
	saveContent(t, store, "contested", "en", "alice", "base")

	writers := make([]*docstore.Document, 2)
	for i := range writers {
		writers[i], err = store.Open(ctx, "contested", "en")
		require.NoError(t, err)
		writers[i].SetContent([]byte(fmt.Sprintf("writer-%d", i)))
	}

	g.barrier.Add(len(writers))
	g.armed.Store(true)
	var wg sync.WaitGroup
	errs := make([]error, len(writers))
	for i, w := range writers {
		wg.Add(1)
		go func(i int, w *docstore.Document) {
			defer wg.Done()
			errs[i] = w.Save(ctx, "alice")
		}(i, w)
	}
	wg.Wait()
	g.armed.Store(false)
	for _, err := range errs {
		require.NoError(t, err)
	}

	contested, err := store.Open(ctx, "contested", "en")
	require.NoError(t, err)
	err = contested.Verify(ctx)
	require.ErrorIs(t, err, docstore.ErrInconsistentState)
	assert.Contains(t, err.Error(), "duplicate version 1")

	bystander, err := store.Open(ctx, "bystander", "en")
	require.NoError(t, err)
	assert.NoError(t, bystander.Verify(ctx))
	content, err := bystander.CurrentContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(content))
}

func TestBlobStoredPayloads(t *testing.T) {
	blobs := memorystorage.New()
	store, g := newStore(t, docstore.WithBlobStore(blobs))
	ctx := context.Background()

	doc := saveContent(t, store, "big", "en", "alice", "payload-0")
	saveContent(t, store, "big", "en", "alice", "payload-1")

	content, err := doc.CurrentContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload-1", string(content))

	history, err := doc.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, rev := range history {
		assert.NotEmpty(t, rev.ObjectKey)
		meta, err := blobs.GetObjectMeta(ctx, rev.ObjectKey)
		require.NoError(t, err)
		assert.Equal(t, int64(len("payload-0")), meta.Size)

		rec, err := g.GetRecord(ctx, rev.ID)
		require.NoError(t, err)
		assert.NotContains(t, rec.Fields, "payload")
	}

	t.Run("reading without the blob store fails", func(t *testing.T) {
		bare, err := docstore.New(docstore.WithGraph(g))
		require.NoError(t, err)
		_, err = bare.DocumentContent(ctx, "big", "en")
		assert.Error(t, err)
	})
}
