package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

const defaultMaxBodyBytes = 32 << 20

// RouterConfig holds what NewRouter mounts. Docs and Snapshots are optional;
// Auth is required.
type RouterConfig struct {
	Docs         *docstore.Store
	Snapshots    *snapshot.Store
	Auth         *jwtauth.JWTAuth
	Metrics      http.Handler
	Logger       *slog.Logger
	MaxBodyBytes int64
	Timeout      time.Duration
}

// NewRouter builds the HTTP surface. /health and /metrics are public; every
// /api/v1 route needs a bearer token whose "sub" claim names the user.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequestSizeLimit(maxBody))
		r.Use(jwtauth.Verifier(cfg.Auth))
		r.Use(RequireSubject)

		if cfg.Docs != nil {
			r.Mount("/documents", NewDocumentHandler(cfg.Docs, logger).Routes())
		}
		if cfg.Snapshots != nil {
			r.Mount("/snapshots", NewSnapshotHandler(cfg.Snapshots, logger).Routes())
		}
	})

	return r
}
