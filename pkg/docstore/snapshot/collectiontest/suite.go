// Package collectiontest holds the behaviour every snapshot.Collection must
// share.
package collectiontest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

func snap(uri, lang string, version int64, active bool, groups []string, tags ...any) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Content: map[string]any{"attributes": tags, "title": uri},
		Metadata: snapshot.Metadata{
			CreateDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Creator:    "frank",
			Active:     active,
			URI:        uri,
			Language:   lang,
			Groups:     groups,
			Version:    version,
		},
	}
}

func collect(t *testing.T, cur snapshot.Cursor) []*snapshot.Snapshot {
	t.Helper()
	ctx := context.Background()
	defer cur.Close(ctx)
	var out []*snapshot.Snapshot
	for cur.Next(ctx) {
		s, err := cur.Snapshot()
		require.NoError(t, err)
		out = append(out, s)
	}
	require.NoError(t, cur.Err())
	return out
}

func versions(snaps []*snapshot.Snapshot) []int64 {
	out := make([]int64, len(snaps))
	for i, s := range snaps {
		out[i] = s.Metadata.Version
	}
	return out
}

// Run exercises a collection backend
func Run(t *testing.T, coll snapshot.Collection) {
	ctx := context.Background()
	uri := "/research/" + uuid.NewString() + ".html"
	other := "/research/" + uuid.NewString() + ".html"

	fixtures := []*snapshot.Snapshot{
		snap(uri, "nl", 0, false, []string{"public"}, "green", "square"),
		snap(uri, "nl", 2, true, []string{"public", "private"}, "red", "square"),
		snap(uri, "nl", 1, false, []string{"secure"}, "red", "round"),
		snap(uri, "en", 0, true, []string{"confidential"}, "blue"),
		snap(other, "nl", 0, true, []string{"public"}, "red", "square", "new"),
	}
	for _, f := range fixtures {
		id, err := coll.InsertOne(ctx, f)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	t.Run("FindOne", func(t *testing.T) {
		s, found, err := coll.FindOne(ctx, snapshot.And(
			snapshot.Eq(snapshot.FieldURI, uri),
			snapshot.Eq(snapshot.FieldLanguage, "nl"),
			snapshot.Eq(snapshot.FieldActive, true)))
		require.NoError(t, err)
		require.True(t, found)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, int64(2), s.Metadata.Version)
		assert.Equal(t, []string{"public", "private"}, s.Metadata.Groups)
		assert.Equal(t, "frank", s.Metadata.Creator)
		assert.True(t, s.Metadata.CreateDate.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
		assert.Equal(t, uri, s.Content["title"])

		_, found, err = coll.FindOne(ctx, snapshot.Eq(snapshot.FieldURI, "/missing/"+uuid.NewString()))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("FindOneSorted", func(t *testing.T) {
		s, found, err := coll.FindOne(ctx, snapshot.Eq(snapshot.FieldURI, uri),
			snapshot.Desc(snapshot.FieldVersion), snapshot.Asc(snapshot.FieldLanguage))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(2), s.Metadata.Version)
	})

	t.Run("FindManySorted", func(t *testing.T) {
		cur, err := coll.FindMany(ctx, snapshot.And(
			snapshot.Eq(snapshot.FieldURI, uri),
			snapshot.Eq(snapshot.FieldLanguage, "nl")), snapshot.Asc(snapshot.FieldVersion))
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2}, versions(collect(t, cur)))

		cur, err = coll.FindMany(ctx, snapshot.And(
			snapshot.Eq(snapshot.FieldURI, uri),
			snapshot.Eq(snapshot.FieldLanguage, "nl")), snapshot.Desc(snapshot.FieldVersion))
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 1, 0}, versions(collect(t, cur)))
	})

	t.Run("ArrayOperators", func(t *testing.T) {
		scoped := snapshot.In(snapshot.FieldURI, uri, other)

		cur, err := coll.FindMany(ctx, snapshot.And(scoped, snapshot.Eq("content.attributes", "red")))
		require.NoError(t, err)
		assert.Len(t, collect(t, cur), 3, "eq on an array field is membership")

		cur, err = coll.FindMany(ctx, snapshot.And(scoped, snapshot.All("content.attributes", "red", "square")))
		require.NoError(t, err)
		assert.Len(t, collect(t, cur), 2)

		cur, err = coll.FindMany(ctx, snapshot.And(scoped, snapshot.In(snapshot.FieldGroups, "secure", "confidential")))
		require.NoError(t, err)
		assert.Len(t, collect(t, cur), 2)

		cur, err = coll.FindMany(ctx, snapshot.And(scoped, snapshot.In(snapshot.FieldLanguage, "en")))
		require.NoError(t, err)
		assert.Len(t, collect(t, cur), 1, "in on a scalar field")

		cur, err = coll.FindMany(ctx, snapshot.And(scoped, snapshot.In(snapshot.FieldGroups)))
		require.NoError(t, err)
		assert.Empty(t, collect(t, cur), "in with no values matches nothing")
	})

	t.Run("ValuesAreData", func(t *testing.T) {
		cur, err := coll.FindMany(ctx, snapshot.Eq(snapshot.FieldURI, `x' OR '1'='1"}); db.dropDatabase(); //`))
		require.NoError(t, err)
		assert.Empty(t, collect(t, cur))
	})

	t.Run("InvalidFieldPath", func(t *testing.T) {
		_, err := coll.FindMany(ctx, snapshot.Eq("metadata..uri", uri))
		assert.ErrorIs(t, err, docstore.ErrInvalidValue)
	})

	t.Run("UpdateMany", func(t *testing.T) {
		n, err := coll.UpdateMany(ctx,
			snapshot.And(snapshot.Eq(snapshot.FieldURI, uri), snapshot.Eq(snapshot.FieldActive, true)),
			snapshot.Patch{snapshot.FieldActive: false})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, found, err := coll.FindOne(ctx, snapshot.And(
			snapshot.Eq(snapshot.FieldURI, uri), snapshot.Eq(snapshot.FieldActive, true)))
		require.NoError(t, err)
		assert.False(t, found)

		s, found, err := coll.FindOne(ctx, snapshot.Eq(snapshot.FieldURI, other))
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, s.Metadata.Active, "other uris untouched")

		n, err = coll.UpdateMany(ctx,
			snapshot.And(snapshot.Eq(snapshot.FieldURI, uri), snapshot.Eq(snapshot.FieldActive, true)),
			snapshot.Patch{snapshot.FieldActive: false})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Users", func(t *testing.T) {
		name := "user-" + uuid.NewString()
		_, found, err := coll.FindUser(ctx, name)
		require.NoError(t, err)
		assert.False(t, found)

		u := snapshot.NewUser(name)
		u.AddGroup("public", "r", "w", "d")
		id, err := coll.InsertUser(ctx, u)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		_, err = coll.InsertUser(ctx, snapshot.NewUser(name))
		assert.ErrorIs(t, err, docstore.ErrDuplicateKey)

		got, found, err := coll.FindUser(ctx, name)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, []snapshot.GroupGrant{{Name: "public", Permissions: []string{"r", "w", "d"}}}, got.Groups)

		n, err := coll.UpdateUserGroups(ctx, name, []snapshot.GroupGrant{{Name: "private", Permissions: []string{"r"}}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, _, err = coll.FindUser(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, []string{"private"}, got.Roles("r"))

		n, err = coll.UpdateUserGroups(ctx, "nobody-"+uuid.NewString(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
