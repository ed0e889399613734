package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/jwtauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docstore/pkg/docstore"
	graphmemory "github.com/tendant/simple-docstore/pkg/docstore/graph/memory"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
	snapshotmemory "github.com/tendant/simple-docstore/pkg/docstore/snapshot/memory"
)

type testServer struct {
	handler   http.Handler
	auth      *jwtauth.JWTAuth
	graph     *graphmemory.Graph
	docs      *docstore.Store
	snapshots *snapshot.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	graph := graphmemory.New()
	docs, err := docstore.New(docstore.WithGraph(graph))
	require.NoError(t, err)
	snaps, err := snapshot.New(snapshot.WithCollection(snapshotmemory.New()))
	require.NoError(t, err)
	auth := jwtauth.New("HS256", []byte("test-secret"), nil)

	return &testServer{
		handler: NewRouter(RouterConfig{
			Docs:      docs,
			Snapshots: snaps,
			Auth:      auth,
			Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("# metrics"))
			}),
		}),
		auth:      auth,
		graph:     graph,
		docs:      docs,
		snapshots: snaps,
	}
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		_, token, err := s.auth.Encode(map[string]interface{}{"sub": user})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "# metrics")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		rr := s.do(t, "", http.MethodGet, "/api/v1/documents/home/en", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("token without subject", func(t *testing.T) {
		_, token, err := s.auth.Encode(map[string]interface{}{"scope": "read"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/home/en", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("token signed with another key", func(t *testing.T) {
		other := jwtauth.New("HS256", []byte("other"), nil)
		_, token, err := other.Encode(map[string]interface{}{"sub": "alice"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/home/en", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)
	content := "hello"

	rr := s.do(t, "alice", http.MethodPut, "/api/v1/documents/home/en", SaveDocumentRequest{
		Attributes: []AttributeRequest{
			{Key: "Title", Value: "Home", Translatable: true},
			{Key: "tags", Value: []any{"a", "b"}},
		},
		Content: &content,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[DocumentResponse](t, rr)
	assert.Equal(t, "home", created.Name)
	assert.Equal(t, "EN", created.Language)
	require.NotNil(t, created.Version)
	assert.Equal(t, int64(0), *created.Version, "revisions are numbered from 0")
	assert.Len(t, created.Attributes, 2)

	updated := "hello again"
	rr = s.do(t, "alice", http.MethodPut, "/api/v1/documents/home/en", SaveDocumentRequest{Content: &updated})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/home/en", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[DocumentResponse](t, rr)
	require.NotNil(t, got.Content)
	assert.Equal(t, "hello again", *got.Content)
	assert.Equal(t, int64(1), *got.Version)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/home/en/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[[]RevisionResponse](t, rr)
	require.Len(t, history, 2)
	assert.Equal(t, int64(0), history[0].Version)
	assert.Equal(t, int64(1), history[1].Version)
	assert.False(t, history[0].Current)
	assert.True(t, history[1].Current)
	assert.Equal(t, "alice", history[1].Creator)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/home", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "EN")
}

func TestDocumentBinaryContent(t *testing.T) {
	s := newTestServer(t)
	encoded := "AAEC/w=="

	rr := s.do(t, "alice", http.MethodPut, "/api/v1/documents/logo/en", SaveDocumentRequest{ContentBase64: &encoded})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	payload, err := s.docs.DocumentContent(context.Background(), "logo", "en")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0xff}, payload)

	bad := "not base64!"
	rr = s.do(t, "alice", http.MethodPut, "/api/v1/documents/logo/en", SaveDocumentRequest{ContentBase64: &bad})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDocumentErrors(t *testing.T) {
	s := newTestServer(t)
	content := "x"

	rr := s.do(t, "alice", http.MethodGet, "/api/v1/documents/missing/en", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, "alice", http.MethodPut, "/api/v1/documents/home/not-a-language-tag!", SaveDocumentRequest{Content: &content})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/documents/home/en", bytes.NewBufferString("{"))
	_, token, err := s.auth.Encode(map[string]interface{}{"sub": "alice"})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "error")
}

func TestDocumentPermissions(t *testing.T) {
	s := newTestServer(t)
	content := "secret"

	rr := s.do(t, "alice", http.MethodPut, "/api/v1/documents/plan/en", SaveDocumentRequest{Content: &content})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, "bob", http.MethodGet, "/api/v1/documents/plan/en", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, "bob", http.MethodPut, "/api/v1/documents/plan/en", SaveDocumentRequest{Content: &content})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, "bob", http.MethodPut, "/api/v1/documents/plan/permissions/bob", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, "alice", http.MethodPut, "/api/v1/documents/plan/permissions/bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "bob", http.MethodGet, "/api/v1/documents/plan/permissions/bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[PermissionResponse](t, rr).Allowed)

	rr = s.do(t, "bob", http.MethodGet, "/api/v1/documents/plan/en", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "alice", http.MethodDelete, "/api/v1/documents/plan/permissions/bob", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/plan/permissions/bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[PermissionResponse](t, rr).Allowed)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/nothing/permissions/bob", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSnapshots(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	editor := snapshot.NewUser("carol")
	editor.AddGroup("editors", snapshot.PermRead, snapshot.PermWrite)
	_, err := s.snapshots.CreateUser(ctx, editor)
	require.NoError(t, err)

	rr := s.do(t, "carol", http.MethodPost, "/api/v1/snapshots", SaveSnapshotRequest{
		URI: "/about", Language: "en", Groups: []string{"editors"},
		Content: map[string]any{"title": "About", "tags": []any{"x", "y"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotEmpty(t, decode[SaveSnapshotResponse](t, rr).ID)

	rr = s.do(t, "carol", http.MethodPost, "/api/v1/snapshots", SaveSnapshotRequest{
		URI: "/about", Language: "en", Groups: []string{"editors"},
		Content: map[string]any{"title": "About us", "tags": []any{"x", "y", "z"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, "carol", http.MethodPost, "/api/v1/snapshots", SaveSnapshotRequest{
		URI: "/news", Language: "en", Groups: []string{snapshot.PublicGroup},
		Content: map[string]any{"title": "News"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	t.Run("latest", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodGet, "/api/v1/snapshots?uri=/about&lang=en", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		snap := decode[snapshot.Snapshot](t, rr)
		assert.Equal(t, "About us", snap.Content["title"])
		assert.Equal(t, int64(1), snap.Metadata.Version)
		assert.Equal(t, "carol", snap.Metadata.Creator)
	})

	t.Run("unreadable latest is hidden", func(t *testing.T) {
		rr := s.do(t, "dave", http.MethodGet, "/api/v1/snapshots?uri=/about", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = s.do(t, "dave", http.MethodGet, "/api/v1/snapshots?uri=/news", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("uri required", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodGet, "/api/v1/snapshots", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("versions", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodGet, "/api/v1/snapshots/versions?uri=/about&lang=en", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		versions := decode[[]snapshot.Snapshot](t, rr)
		require.Len(t, versions, 2)
		assert.False(t, versions[0].Metadata.Active)
		assert.True(t, versions[1].Metadata.Active)

		rr = s.do(t, "dave", http.MethodGet, "/api/v1/snapshots/versions?uri=/about", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[[]snapshot.Snapshot](t, rr))
	})

	t.Run("search", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodPost, "/api/v1/snapshots/search", SearchRequest{Language: "en"})
		require.Equal(t, http.StatusOK, rr.Code)
		mine := decode[[]snapshot.Snapshot](t, rr)
		require.Len(t, mine, 1, "read roles replace the public fallback")
		assert.Equal(t, "/about", mine[0].Metadata.URI)

		rr = s.do(t, "carol", http.MethodPost, "/api/v1/snapshots/search", SearchRequest{
			Filter: map[string]any{"content.tags": []any{"z", "x"}},
		})
		require.Equal(t, http.StatusOK, rr.Code)
		found := decode[[]snapshot.Snapshot](t, rr)
		require.Len(t, found, 1)
		assert.Equal(t, "/about", found[0].Metadata.URI)

		rr = s.do(t, "dave", http.MethodPost, "/api/v1/snapshots/search", SearchRequest{})
		require.Equal(t, http.StatusOK, rr.Code)
		public := decode[[]snapshot.Snapshot](t, rr)
		require.Len(t, public, 1)
		assert.Equal(t, "/news", public[0].Metadata.URI)

		rr = s.do(t, "carol", http.MethodPost, "/api/v1/snapshots/search", SearchRequest{
			Filter: map[string]any{"content..title": "x"},
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("current user", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodGet, "/api/v1/snapshots/me", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		u := decode[snapshot.User](t, rr)
		assert.Equal(t, "carol", u.Username)
		require.Len(t, u.Groups, 1)
		assert.Equal(t, "editors", u.Groups[0].Name)

		rr = s.do(t, "dave", http.MethodGet, "/api/v1/snapshots/me", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("empty uri", func(t *testing.T) {
		rr := s.do(t, "carol", http.MethodPost, "/api/v1/snapshots", SaveSnapshotRequest{URI: " "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{docstore.ErrNotFound, http.StatusNotFound},
		{errForbidden, http.StatusForbidden},
		{errUnauthenticated, http.StatusUnauthorized},
		{docstore.ErrInvalidLanguage, http.StatusBadRequest},
		{&docstore.InconsistentStateError{}, http.StatusConflict},
		{docstore.Unavailable("query", assert.AnError), http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestDocumentInconsistentState(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	content := "v0"

	rr := s.do(t, "alice", http.MethodPut, "/api/v1/documents/broken/en", SaveDocumentRequest{Content: &content})
	require.Equal(t, http.StatusCreated, rr.Code)
	doc := decode[DocumentResponse](t, rr)

	rels, err := s.graph.Related(ctx, docstore.EdgeMatch{Node: doc.ID, Label: "EN"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	_, err = s.graph.DeleteRelationships(ctx, docstore.EdgeMatch{Node: rels[0].Node.ID, Label: docstore.LabelCurrent})
	require.NoError(t, err)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/broken/en", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	body := decode[ErrorResponse](t, rr)
	assert.NotEqual(t, http.StatusText(http.StatusConflict), body.Error)
	assert.Contains(t, body.Error, "current")

	reopened, err := s.docs.Open(ctx, "broken", "en")
	require.NoError(t, err)
	_, err = reopened.Repair(ctx)
	require.NoError(t, err)

	rr = s.do(t, "alice", http.MethodGet, "/api/v1/documents/broken/en", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
