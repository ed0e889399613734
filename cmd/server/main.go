package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-docstore/pkg/docstore/api"
	"github.com/tendant/simple-docstore/pkg/docstore/config"
)

const devJWTSecret = "docstore-development-secret"

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	if cfg.IsDevelopment() {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func jwtSecret(cfg *config.ServerConfig, logger *slog.Logger) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if !cfg.IsDevelopment() {
		return "", errors.New("JWT_SECRET is required outside development")
	}
	logger.Warn("JWT_SECRET not set, using the development secret")
	return devJWTSecret, nil
}

func run() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(config.WithEnv(""))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stores, err := cfg.BuildStores(ctx, logger, reg)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stores.Close(closeCtx); err != nil {
			logger.Error("close stores", "error", err)
		}
	}()

	routerCfg := api.RouterConfig{
		Docs:      stores.Docs,
		Snapshots: stores.Snapshots,
		Auth:      jwtauth.New("HS256", []byte(secret), nil),
		Logger:    logger,
	}
	if cfg.EnableMetrics {
		routerCfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Docstore server starting",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"graph_backend", cfg.GraphBackend,
			"snapshot_backend", cfg.SnapshotBackend,
			"blob_store", cfg.BlobStore.Type,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting")
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("docstore server failed", "error", err)
		os.Exit(1)
	}
}
