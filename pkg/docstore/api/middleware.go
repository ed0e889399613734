package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
)

type contextKey string

const usernameKey contextKey = "username"

// RequireSubject rejects tokens without a "sub" claim and stores the subject
// as the acting username. It runs after jwtauth.Verifier.
func RequireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeError(w, r, slog.Default(), fmt.Errorf("%w: %v", errUnauthenticated, err))
			return
		}
		sub, _ := claims["sub"].(string)
		if strings.TrimSpace(sub) == "" {
			writeError(w, r, slog.Default(), errUnauthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), usernameKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Username returns the acting user set by RequireSubject
func Username(ctx context.Context) string {
	u, _ := ctx.Value(usernameKey).(string)
	return u
}

// RequestLogger logs one line per request through slog
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// RequestSizeLimit caps request bodies at maxBytes
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
