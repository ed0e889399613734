package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/internal/testutil"
	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot/collectiontest"
)

func jsonArg(t *testing.T, arg any) string {
	t.Helper()
	raw, ok := arg.([]byte)
	require.True(t, ok, "expected JSON bytes, got %T", arg)
	return string(raw)
}

func TestBuildWhere(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		where, args, err := buildWhere(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "TRUE", where)
		assert.Empty(t, args)
	})

	t.Run("eq tests scalar and array membership", func(t *testing.T) {
		where, args, err := buildWhere(snapshot.Eq(snapshot.FieldURI, "/x"), nil)
		require.NoError(t, err)
		assert.Equal(t, "(doc @> $1 OR doc @> $2)", where)
		require.Len(t, args, 2)
		assert.JSONEq(t, `{"metadata":{"uri":"/x"}}`, jsonArg(t, args[0]))
		assert.JSONEq(t, `{"metadata":{"uri":["/x"]}}`, jsonArg(t, args[1]))
	})

	t.Run("numbering continues after existing args", func(t *testing.T) {
		where, args, err := buildWhere(snapshot.And(
			snapshot.In(snapshot.FieldGroups, "public", "private"),
			snapshot.All("content.attributes", "red", "square")), []any{"first"})
		require.NoError(t, err)
		assert.Equal(t,
			"((doc @> $2 OR doc @> $3) OR (doc @> $4 OR doc @> $5)) AND "+
				"jsonb_typeof(doc #> $7::text[]) = 'array' AND doc @> $6",
			where)
		require.Len(t, args, 7)
		assert.Equal(t, "first", args[0])
		assert.JSONEq(t, `{"content":{"attributes":["red","square"]}}`, jsonArg(t, args[5]))
		assert.Equal(t, []string{"content", "attributes"}, args[6])
	})

	t.Run("empty in matches nothing", func(t *testing.T) {
		where, _, err := buildWhere(snapshot.In(snapshot.FieldGroups), nil)
		require.NoError(t, err)
		assert.Equal(t, "FALSE", where)
	})

	t.Run("values never reach the query text", func(t *testing.T) {
		hostile := `x'); DROP TABLE snapshot_docs; --`
		where, _, err := buildWhere(snapshot.Eq(snapshot.FieldURI, hostile), nil)
		require.NoError(t, err)
		assert.NotContains(t, where, "DROP")

		where, _, err = buildWhere(snapshot.Eq("content."+hostile, "x"), nil)
		require.NoError(t, err)
		assert.NotContains(t, where, "DROP", "field paths are parameters too")
	})

	t.Run("invalid path", func(t *testing.T) {
		_, _, err := buildWhere(snapshot.Eq("a..b", 1), nil)
		assert.ErrorIs(t, err, docstore.ErrInvalidValue)
	})
}

func TestBuildOrder(t *testing.T) {
	order, args := buildOrder([]snapshot.SortField{snapshot.Desc(snapshot.FieldVersion)}, []any{"a"})
	assert.Equal(t, "doc #> $2::text[] DESC, seq ASC", order)
	assert.Equal(t, []any{"a", []string{"metadata", "version"}}, args)

	order, args = buildOrder(nil, nil)
	assert.Equal(t, "seq ASC", order)
	assert.Empty(t, args)
}

func TestBuildSet(t *testing.T) {
	expr, args, err := buildSet(snapshot.Patch{"metadata.active": false, "content.title": "t"})
	require.NoError(t, err)
	assert.Equal(t,
		"jsonb_set(jsonb_set(doc, $1::text[], $2::jsonb, true), $3::text[], $4::jsonb, true)", expr)
	require.Len(t, args, 4)
	assert.Equal(t, []string{"content", "title"}, args[0])
	assert.Equal(t, `"t"`, jsonArg(t, args[1]))
	assert.Equal(t, []string{"metadata", "active"}, args[2])
	assert.Equal(t, "false", jsonArg(t, args[3]))
}

func TestNumbers(t *testing.T) {
	got := numbers(map[string]any{
		"n": json.Number("3"),
		"f": json.Number("1.5"),
		"a": []any{json.Number("7"), "x"},
	})
	assert.Equal(t, map[string]any{"n": int64(3), "f": 1.5, "a": []any{int64(7), "x"}}, got)
}

func TestCollection_Contract(t *testing.T) {
	pool := testutil.PostgresPool(t)
	coll := NewWithPool(pool)
	require.NoError(t, coll.Migrate(context.Background()))
	require.NoError(t, coll.Migrate(context.Background()), "migrate is idempotent")

	collectiontest.Run(t, coll)
}

func TestCollection_Store(t *testing.T) {
	pool := testutil.PostgresPool(t)
	coll := NewWithPool(pool)
	ctx := context.Background()
	require.NoError(t, coll.Migrate(ctx))

	store, err := snapshot.New(snapshot.WithCollection(coll))
	require.NoError(t, err)

	for range 2 {
		_, err := store.Save(ctx, &snapshot.Draft{
			Content: map[string]any{"attributes": []any{"red"}}, URI: "/x", Language: "en",
			Creator: "frank", Groups: []string{"public"},
		})
		require.NoError(t, err)
	}

	latest, err := store.LatestByURI(ctx, "/x", "en")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Metadata.Version)

	all, err := store.AllVersionsByURI(ctx, "/x", "en")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Metadata.Active)

	found, err := store.Search(ctx, "nobody", snapshot.Eq("content.attributes", "red"), "en").All(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].Metadata.Version)
}
