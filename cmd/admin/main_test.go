package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/config"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

func TestParseArgs(t *testing.T) {
	args, opts, err := parseArgs([]string{"home", "--lang=en", "--group=editors:rw", "--group=public:r", "--json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, args)
	assert.Equal(t, "en", opts.lang)
	assert.True(t, opts.useJSON)
	assert.Equal(t, []snapshot.GroupGrant{
		{Name: "editors", Permissions: []string{"r", "w"}},
		{Name: "public", Permissions: []string{"r"}},
	}, opts.groups)

	_, _, err = parseArgs([]string{"--bogus=1"})
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"--group=editors:rx"})
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"--group=:r"})
	assert.Error(t, err)
}

func TestParseFlag(t *testing.T) {
	k, v := parseFlag("--lang=en")
	assert.Equal(t, "lang", k)
	assert.Equal(t, "en", v)

	k, v = parseFlag("--json")
	assert.Equal(t, "json", k)
	assert.Equal(t, "true", v)

	k, _ = parseFlag("plain")
	assert.Empty(t, k)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load(config.WithMetrics(false))
	require.NoError(t, err)
	stores, err := cfg.BuildStores(ctx, nil, nil)
	require.NoError(t, err)
	defer stores.Close(ctx)

	doc, err := stores.Docs.Open(ctx, "home", "en")
	require.NoError(t, err)
	doc.SetContent([]byte("hello"))
	require.NoError(t, doc.Save(ctx, "alice"))

	for _, cmd := range [][]string{
		{"translations", "home"},
		{"history", "home", "en"},
		{"verify", "home", "en"},
		{"repair", "home", "en"},
		{"grant", "home", "bob"},
		{"check", "home", "bob"},
		{"revoke", "home", "bob"},
		{"versions", "/about"},
	} {
		assert.NoError(t, execute(ctx, stores, cmd[0], cmd[1:], options{}), cmd[0])
	}

	allowed, err := stores.Docs.Permissions().Check(ctx, doc.ID(), "bob")
	require.NoError(t, err)
	assert.False(t, allowed)

	err = execute(ctx, stores, "user-set", []string{"carol"}, options{
		groups: []snapshot.GroupGrant{{Name: "editors", Permissions: []string{"r"}}},
	})
	require.NoError(t, err)
	roles, err := stores.Snapshots.Roles(ctx, "carol", snapshot.PermRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"editors"}, roles)

	assert.ErrorIs(t, execute(ctx, stores, "history", []string{"missing", "en"}, options{}), docstore.ErrNotFound)
	assert.ErrorIs(t, execute(ctx, stores, "user", []string{"nobody"}, options{}), docstore.ErrNotFound)
	assert.Error(t, execute(ctx, stores, "verify", []string{"home"}, options{}))
	assert.Error(t, execute(ctx, stores, "unknown", nil, options{}))
}
