package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

// SnapshotHandler serves the snapshot collection
type SnapshotHandler struct {
	store  *snapshot.Store
	logger *slog.Logger
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(store *snapshot.Store, logger *slog.Logger) *SnapshotHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotHandler{store: store, logger: logger}
}

// Routes returns the routes for snapshots
func (h *SnapshotHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.SaveSnapshot)
	r.Get("/", h.GetLatest)
	r.Get("/versions", h.GetVersions)
	r.Post("/search", h.Search)
	r.Get("/me", h.GetCurrentUser)

	return r
}

// SaveSnapshotRequest is the request body for saving a snapshot
type SaveSnapshotRequest struct {
	URI      string         `json:"uri"`
	Language string         `json:"language"`
	Groups   []string       `json:"groups"`
	Content  map[string]any `json:"content"`
}

// SaveSnapshotResponse is the response body for a saved snapshot
type SaveSnapshotResponse struct {
	ID string `json:"id"`
}

// SearchRequest is the request body for a snapshot search. Filter maps field
// paths to values: scalars match by equality, arrays must all be present.
type SearchRequest struct {
	Language string         `json:"language"`
	Filter   map[string]any `json:"filter"`
}

// SaveSnapshot stores a new active version of a document
func (h *SnapshotHandler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SaveSnapshotRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	id, err := h.store.Save(r.Context(), &snapshot.Draft{
		Content:  req.Content,
		URI:      req.URI,
		Language: req.Language,
		Creator:  Username(r.Context()),
		Groups:   req.Groups,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SaveSnapshotResponse{ID: id})
}

// GetLatest returns the active snapshot for ?uri= and optional ?lang=.
// Snapshots the caller cannot read are reported as missing.
func (h *SnapshotHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uri, lang := r.URL.Query().Get("uri"), r.URL.Query().Get("lang")
	if uri == "" {
		writeError(w, r, h.logger, fmt.Errorf("%w: uri is required", errBadRequest))
		return
	}
	snap, err := h.store.LatestByURI(ctx, uri, lang)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ok, err := h.store.CanRead(ctx, Username(ctx), snap)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, r, h.logger, fmt.Errorf("snapshot %s: %w", uri, errNotReadable))
		return
	}
	render.JSON(w, r, snap)
}

// GetVersions returns every readable version for ?uri= and optional ?lang=
func (h *SnapshotHandler) GetVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uri, lang := r.URL.Query().Get("uri"), r.URL.Query().Get("lang")
	if uri == "" {
		writeError(w, r, h.logger, fmt.Errorf("%w: uri is required", errBadRequest))
		return
	}
	snaps, err := h.store.AllVersionsByURI(ctx, uri, lang)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]*snapshot.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		ok, err := h.store.CanRead(ctx, Username(ctx), s)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if ok {
			out = append(out, s)
		}
	}
	render.JSON(w, r, out)
}

func filterFromMap(m map[string]any) snapshot.Filter {
	var f snapshot.Filter
	for field, v := range m {
		if vs, ok := v.([]any); ok {
			f = snapshot.And(f, snapshot.All(field, vs...))
			continue
		}
		f = snapshot.And(f, snapshot.Eq(field, v))
	}
	return f
}

// Search streams the active snapshots visible to the caller
func (h *SnapshotHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SearchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	out := []*snapshot.Snapshot{}
	for snap, err := range h.store.Search(ctx, Username(ctx), filterFromMap(req.Filter), req.Language).Iter(ctx) {
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		out = append(out, snap)
	}
	render.JSON(w, r, out)
}

// GetCurrentUser returns the group grants of the acting user
func (h *SnapshotHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), Username(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, u)
}
