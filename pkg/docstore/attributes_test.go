package docstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeValue(t *testing.T) {
	t.Run("scalars normalize", func(t *testing.T) {
		v, err := ValueOf(int32(5))
		require.NoError(t, err)
		s, ok := v.Scalar()
		require.True(t, ok)
		assert.Equal(t, int64(5), s)
		assert.False(t, v.IsSet())
	})

	t.Run("integral floats become ints", func(t *testing.T) {
		v, err := ValueOf(float64(3))
		require.NoError(t, err)
		s, _ := v.Scalar()
		assert.Equal(t, int64(3), s)

		v, err = ValueOf(2.5)
		require.NoError(t, err)
		s, _ = v.Scalar()
		assert.Equal(t, 2.5, s)
	})

	t.Run("unsupported types are rejected", func(t *testing.T) {
		for _, bad := range []any{nil, map[string]any{}, struct{}{}, []any{[]int{1}}} {
			_, err := ValueOf(bad)
			assert.ErrorIs(t, err, ErrInvalidValue, "%T", bad)
		}
	})

	t.Run("slices become deduplicated sets", func(t *testing.T) {
		v, err := ValueOf([]string{"a", "b", "a"})
		require.NoError(t, err)
		assert.True(t, v.IsSet())
		assert.Equal(t, []any{"a", "b"}, v.Values())
	})

	t.Run("merge promotes to set", func(t *testing.T) {
		a, _ := ScalarValue("x")
		b, _ := ScalarValue("y")
		m := a.Merge(b)
		assert.True(t, m.IsSet())
		assert.ElementsMatch(t, []any{"x", "y"}, m.Values())

		same := a.Merge(a)
		assert.True(t, same.IsSet())
		assert.Equal(t, 1, same.Len())
	})

	t.Run("string and number never collide", func(t *testing.T) {
		v, _ := SetValue("1", 1, true, "true")
		assert.Equal(t, 4, v.Len())
		assert.True(t, v.Contains(int8(1)))
		assert.True(t, v.Contains("true"))
		assert.False(t, v.Contains(2))
	})

	t.Run("json", func(t *testing.T) {
		s, _ := ScalarValue("x")
		raw, err := json.Marshal(s)
		require.NoError(t, err)
		assert.JSONEq(t, `"x"`, string(raw))

		set, _ := SetValue("x", 2)
		raw, err = json.Marshal(set)
		require.NoError(t, err)
		assert.JSONEq(t, `["x", 2]`, string(raw))

		var back AttributeValue
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.True(t, back.IsSet())
		assert.ElementsMatch(t, []any{"x", int64(2)}, back.Values())
	})
}

func TestCanonicalKeyRoundTrip(t *testing.T) {
	for _, v := range []any{"s:tricky", "", true, false, int64(-42), 1.25} {
		key := canonicalKey(v)
		back, ok := scalarFromKey(key)
		require.True(t, ok, key)
		assert.Equal(t, v, back)
	}

	_, ok := scalarFromKey("garbage")
	assert.False(t, ok)
}

func TestAttributeSet(t *testing.T) {
	s := NewAttributeSet()

	require.NoError(t, s.Add("Tags", "a", false))
	require.NoError(t, s.Add("TAGS", "b", false))
	require.NoError(t, s.Add("tags", "fr-only", true))

	v, ok := s.Get("tags", false)
	require.True(t, ok)
	assert.True(t, v.IsSet())
	assert.ElementsMatch(t, []any{"a", "b"}, v.Values())

	tv, ok := s.Get("Tags", true)
	require.True(t, ok)
	assert.False(t, tv.IsSet())
	assert.Equal(t, 2, s.Len())

	_, err := NormalizeKey("   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	t.Run("loaded values are not pending", func(t *testing.T) {
		s := NewAttributeSet()
		require.NoError(t, s.load("author", "ann", false))
		assert.Empty(t, s.pending())

		require.NoError(t, s.Add("author", "bob", false))
		pending := s.pending()
		require.Len(t, pending, 1)
		assert.Equal(t, "bob", pending[0].scalar)

		s.markPersisted(pending[0])
		assert.Empty(t, s.pending())
	})
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "en", want: "EN"},
		{in: "FR", want: "FR"},
		{in: "en-us", want: "EN-US"},
		{in: " de ", want: "DE"},
		{in: "", err: true},
		{in: "not a language", err: true},
		{in: "EN' OR 1=1", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeLanguage(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidLanguage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
