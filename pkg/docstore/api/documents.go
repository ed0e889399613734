package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// DocumentHandler serves the graph document store
type DocumentHandler struct {
	store  *docstore.Store
	logger *slog.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(store *docstore.Store, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{store: store, logger: logger}
}

// Routes returns the routes for documents
func (h *DocumentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{name}", h.GetTranslations)
	r.Put("/{name}/{lang}", h.SaveDocument)
	r.Get("/{name}/{lang}", h.GetDocument)
	r.Get("/{name}/{lang}/history", h.GetHistory)

	r.Put("/{name}/permissions/{username}", h.GrantPermission)
	r.Delete("/{name}/permissions/{username}", h.RevokePermission)
	r.Get("/{name}/permissions/{username}", h.CheckPermission)

	return r
}

// AttributeRequest is one attribute in a save request. Value is a scalar or
// an array of scalars.
type AttributeRequest struct {
	Key          string `json:"key"`
	Value        any    `json:"value"`
	Translatable bool   `json:"translatable"`
}

// SaveDocumentRequest is the request body for saving a document translation.
// Content is text; ContentBase64 carries binary payloads.
type SaveDocumentRequest struct {
	Attributes    []AttributeRequest `json:"attributes"`
	Content       *string            `json:"content,omitempty"`
	ContentBase64 *string            `json:"content_base64,omitempty"`
}

// DocumentResponse is the response body for a document translation
type DocumentResponse struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Language   string               `json:"language"`
	Attributes []docstore.Attribute `json:"attributes"`
	Content    *string              `json:"content,omitempty"`
	Version    *int64               `json:"version,omitempty"`
}

// RevisionResponse describes one content revision
type RevisionResponse struct {
	Version   int64     `json:"version"`
	Creator   string    `json:"creator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ObjectKey string    `json:"object_key,omitempty"`
	Current   bool      `json:"current"`
}

// PermissionResponse answers a permission check
type PermissionResponse struct {
	Document string `json:"document"`
	Username string `json:"username"`
	Allowed  bool   `json:"allowed"`
}

func (h *DocumentHandler) openReadable(r *http.Request) (*docstore.Document, error) {
	name, lang := chi.URLParam(r, "name"), chi.URLParam(r, "lang")
	doc, err := h.store.Open(r.Context(), name, lang)
	if err != nil {
		return nil, err
	}
	if !doc.Persisted() {
		return nil, fmt.Errorf("document %s: %w", name, docstore.ErrNotFound)
	}
	ok, err := doc.CheckPermission(r.Context(), Username(r.Context()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("document %s: %w", name, errForbidden)
	}
	return doc, nil
}

func (h *DocumentHandler) response(r *http.Request, doc *docstore.Document) (DocumentResponse, error) {
	resp := DocumentResponse{
		ID:         doc.ID(),
		Name:       doc.Name(),
		Language:   doc.Language(),
		Attributes: doc.Attributes(),
	}
	rev, err := doc.CurrentRevision(r.Context())
	if errors.Is(err, docstore.ErrNotFound) {
		return resp, nil
	}
	if err != nil {
		return resp, err
	}
	payload, err := h.store.RevisionPayload(r.Context(), rev)
	if err != nil {
		return resp, err
	}
	content := string(payload)
	resp.Content = &content
	resp.Version = &rev.Version
	return resp, nil
}

// SaveDocument opens the translation, applies the attributes and content and
// saves it as the acting user. Existing documents require a grant.
func (h *DocumentHandler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := Username(ctx)

	var req SaveDocumentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	doc, err := h.store.Open(ctx, chi.URLParam(r, "name"), chi.URLParam(r, "lang"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	created := !doc.Persisted()
	if !created {
		ok, err := doc.CheckPermission(ctx, user)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if !ok {
			writeError(w, r, h.logger, fmt.Errorf("document %s: %w", doc.Name(), errForbidden))
			return
		}
	}

	for _, a := range req.Attributes {
		if err := doc.AddAttribute(a.Key, a.Value, a.Translatable); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	switch {
	case req.ContentBase64 != nil:
		payload, err := base64.StdEncoding.DecodeString(*req.ContentBase64)
		if err != nil {
			writeError(w, r, h.logger, fmt.Errorf("%w: content_base64: %v", errBadRequest, err))
			return
		}
		doc.SetContent(payload)
	case req.Content != nil:
		doc.SetContent([]byte(*req.Content))
	}

	if err := doc.Save(ctx, user); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.response(r, doc)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(ctx, "Document saved", "name", doc.Name(), "language", doc.Language(), "user", user)
	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, resp)
}

// GetDocument returns the current content and attributes of a translation
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.openReadable(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp, err := h.response(r, doc)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, resp)
}

// GetHistory lists the content revisions of a translation, oldest first
func (h *DocumentHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	doc, err := h.openReadable(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	history, err := doc.History(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var currentID string
	if cur, err := doc.CurrentRevision(r.Context()); err == nil {
		currentID = cur.ID
	} else if !errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrInconsistentState) {
		writeError(w, r, h.logger, err)
		return
	}

	resp := make([]RevisionResponse, 0, len(history))
	for _, rev := range history {
		resp = append(resp, RevisionResponse{
			Version:   rev.Version,
			Creator:   rev.Creator,
			CreatedAt: rev.CreatedAt,
			ObjectKey: rev.ObjectKey,
			Current:   rev.ID == currentID,
		})
	}
	render.JSON(w, r, resp)
}

// GetTranslations lists the languages of a document the caller may read
func (h *DocumentHandler) GetTranslations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.resolveGranted(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	langs, err := h.store.Translations(ctx, rec.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if langs == nil {
		langs = []string{}
	}
	render.JSON(w, r, map[string]any{"name": rec.Name, "languages": langs})
}

// resolveGranted finds the document and checks the acting user holds a grant
func (h *DocumentHandler) resolveGranted(r *http.Request) (*docstore.DocumentRecord, error) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	rec, found, err := h.store.ResolveDocument(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("document %s: %w", name, docstore.ErrNotFound)
	}
	ok, err := h.store.Permissions().Check(ctx, rec.ID, Username(ctx))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("document %s: %w", name, errForbidden)
	}
	return rec, nil
}

// GrantPermission lets a grant holder share the document with another user
func (h *DocumentHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolveGranted(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	username := chi.URLParam(r, "username")
	if err := h.store.Permissions().Grant(r.Context(), rec.ID, username); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Permission granted", "document", rec.Name, "username", username, "by", Username(r.Context()))
	render.JSON(w, r, PermissionResponse{Document: rec.Name, Username: username, Allowed: true})
}

// RevokePermission removes every grant of username on the document
func (h *DocumentHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolveGranted(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	username := chi.URLParam(r, "username")
	if err := h.store.Permissions().Revoke(r.Context(), rec.ID, username); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Permission revoked", "document", rec.Name, "username", username, "by", Username(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// CheckPermission reports whether username holds a grant on the document.
// Any authenticated user may ask.
func (h *DocumentHandler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, username := chi.URLParam(r, "name"), chi.URLParam(r, "username")
	rec, found, err := h.store.ResolveDocument(ctx, name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !found {
		writeError(w, r, h.logger, fmt.Errorf("document %s: %w", name, docstore.ErrNotFound))
		return
	}
	ok, err := h.store.Permissions().Check(ctx, rec.ID, username)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, PermissionResponse{Document: rec.Name, Username: username, Allowed: ok})
}
