package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

func TestMatch(t *testing.T) {
	s := &Snapshot{
		Content: map[string]any{
			"attributes": []string{"red", "square"},
			"size":       int64(3),
			"nested":     map[string]any{"k": "v"},
		},
		Metadata: Metadata{URI: "/x", Language: "nl", Active: true, Groups: []string{"public"}, Version: 2},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", nil, true},
		{"eq scalar", Eq(FieldURI, "/x"), true},
		{"eq mismatch", Eq(FieldURI, "/y"), false},
		{"eq numeric kinds", Eq(FieldVersion, 2.0), true},
		{"eq array membership", Eq("content.attributes", "red"), true},
		{"eq nested", Eq("content.nested.k", "v"), true},
		{"missing field", Eq("content.nope", "v"), false},
		{"in scalar", In(FieldLanguage, "en", "nl"), true},
		{"in array", In(FieldGroups, "private", "public"), true},
		{"in none", In(FieldGroups), false},
		{"all", All("content.attributes", "square", "red"), true},
		{"all partial", All("content.attributes", "square", "round"), false},
		{"all on scalar", All(FieldURI, "/x"), false},
		{"and", And(Eq(FieldActive, true), Eq("content.size", 3)), true},
		{"and short", And(Eq(FieldActive, false), Eq("content.size", 3)), false},
		{"string is not number", Eq("content.size", "3"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(s, tt.filter))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, And(Eq(FieldURI, "/x"), All("content.tags", "a")).Validate())
	assert.ErrorIs(t, Eq("", "x").Validate(), docstore.ErrInvalidValue)
	assert.ErrorIs(t, Eq("a..b", "x").Validate(), docstore.ErrInvalidValue)
	assert.ErrorIs(t, Filter{{Op: OpEq, Field: "a"}}.Validate(), docstore.ErrInvalidValue)
}

func TestApplyPatch(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Snapshot{
		ID:       "id-1",
		Content:  map[string]any{"title": "a"},
		Metadata: Metadata{URI: "/x", Active: true, CreateDate: created, Groups: []string{"public"}, Version: 4},
	}

	require.NoError(t, ApplyPatch(s, Patch{FieldActive: false, "content.title": "b", "content.meta.lang": "nl"}))
	assert.Equal(t, "id-1", s.ID)
	assert.False(t, s.Metadata.Active)
	assert.Equal(t, "b", s.Content["title"])
	assert.Equal(t, map[string]any{"lang": "nl"}, s.Content["meta"])
	assert.Equal(t, int64(4), s.Metadata.Version)
	assert.Equal(t, created, s.Metadata.CreateDate)
	assert.Equal(t, []string{"public"}, s.Metadata.Groups)

	assert.ErrorIs(t, ApplyPatch(s, Patch{FieldActive: "yes"}), docstore.ErrInvalidValue)
	assert.ErrorIs(t, ApplyPatch(s, Patch{"metadata.unknown": 1}), docstore.ErrInvalidValue)
	assert.ErrorIs(t, ApplyPatch(s, Patch{"other": 1}), docstore.ErrInvalidValue)
	assert.ErrorIs(t, ApplyPatch(s, Patch{"content.title.x": 1}), docstore.ErrInvalidValue)
}

func TestSortSnapshots(t *testing.T) {
	mk := func(uri string, v int64) *Snapshot {
		return &Snapshot{Metadata: Metadata{URI: uri, Version: v}}
	}
	snaps := []*Snapshot{mk("/b", 1), mk("/a", 2), mk("/a", 0), mk("/b", 0)}

	SortSnapshots(snaps, Asc(FieldURI), Desc(FieldVersion))
	var got []string
	for _, s := range snaps {
		got = append(got, s.Metadata.URI+":"+string(rune('0'+s.Metadata.Version)))
	}
	assert.Equal(t, []string{"/a:2", "/a:0", "/b:1", "/b:0"}, got)
}

func TestUserRoles(t *testing.T) {
	u := NewUser("frank")
	u.AddGroup("public", PermRead, PermWrite)
	u.AddGroup("private", PermWrite)
	u.AddGroup("public", PermRead)

	assert.Equal(t, []string{"public"}, u.Roles(PermRead))
	assert.Equal(t, []string{"public", "private"}, u.Roles(PermWrite))
	assert.Empty(t, u.Roles(PermDelete))
}
