package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-docstore/pkg/docstore"
	graphmemory "github.com/tendant/simple-docstore/pkg/docstore/graph/memory"
	graphpg "github.com/tendant/simple-docstore/pkg/docstore/graph/postgres"
	"github.com/tendant/simple-docstore/pkg/docstore/graph/surreal"
	"github.com/tendant/simple-docstore/pkg/docstore/instrument"
	"github.com/tendant/simple-docstore/pkg/docstore/objectkey"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
	snapmemory "github.com/tendant/simple-docstore/pkg/docstore/snapshot/memory"
	snapmongo "github.com/tendant/simple-docstore/pkg/docstore/snapshot/mongo"
	snappg "github.com/tendant/simple-docstore/pkg/docstore/snapshot/postgres"
	fsstorage "github.com/tendant/simple-docstore/pkg/docstore/storage/fs"
	memorystorage "github.com/tendant/simple-docstore/pkg/docstore/storage/memory"
	s3storage "github.com/tendant/simple-docstore/pkg/docstore/storage/s3"
)

// Backend names
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSurreal  = "surreal"
	BackendMongo    = "mongo"
	BackendNone     = "none"
	BackendFS       = "fs"
	BackendS3       = "s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:              "8080",
		Environment:       "development",
		GraphBackend:      BackendMemory,
		SnapshotBackend:   BackendMemory,
		DBSchema:          "docstore",
		SurrealNamespace:  "docstore",
		SurrealDatabase:   "docstore",
		MongoDatabase:     "docstore",
		BlobStore:         BlobStoreConfig{Type: BackendNone},
		DeactivationScope: "uri",
		AutoMigrate:       true,
		EnableMetrics:     true,
	}
}

// ServerConfig represents the configuration for the document stores and the
// HTTP server in front of them.
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	GraphBackend    string // "memory", "postgres", "surreal"
	SnapshotBackend string // "memory", "postgres", "mongo"

	// Postgres, shared by both stores
	DatabaseURL string
	DBSchema    string

	// SurrealDB
	SurrealURL       string
	SurrealNamespace string
	SurrealDatabase  string
	SurrealUser      string
	SurrealPass      string

	// MongoDB
	MongoURI      string
	MongoDatabase string

	// Revision payload storage
	BlobStore    BlobStoreConfig
	KeyGenerator string // "git-like", "legacy", "hashed"

	DeactivationScope string // "uri" or "uri-language"

	JWTSecret     string
	AutoMigrate   bool
	EnableMetrics bool
}

// BlobStoreConfig selects where revision payloads go. Type "none" keeps
// payloads inline in the graph.
type BlobStoreConfig struct {
	Type    string // "none", "memory", "fs", "s3"
	BaseDir string
	S3      s3storage.Config
}

// IsDevelopment reports whether the server runs in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.GraphBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when the graph backend is postgres")
		}
	case BackendSurreal:
		if c.SurrealURL == "" {
			return errors.New("surreal_url is required when the graph backend is surreal")
		}
	default:
		return fmt.Errorf("graph backend must be 'memory', 'postgres' or 'surreal', got: %s", c.GraphBackend)
	}

	switch c.SnapshotBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when the snapshot backend is postgres")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("mongo_uri is required when the snapshot backend is mongo")
		}
	default:
		return fmt.Errorf("snapshot backend must be 'memory', 'postgres' or 'mongo', got: %s", c.SnapshotBackend)
	}

	switch c.BlobStore.Type {
	case BackendNone, BackendMemory:
	case BackendFS:
		if c.BlobStore.BaseDir == "" {
			return errors.New("filesystem base directory cannot be empty")
		}
	case BackendS3:
		if c.BlobStore.S3.Bucket == "" {
			return errors.New("s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported blob store type: %s", c.BlobStore.Type)
	}

	if _, err := objectkey.ByName(c.KeyGenerator); err != nil {
		return err
	}
	if _, err := parseScope(c.DeactivationScope); err != nil {
		return err
	}
	return nil
}

func parseScope(s string) (snapshot.DeactivationScope, error) {
	switch strings.ToLower(s) {
	case "", "uri":
		return snapshot.ScopeURI, nil
	case "uri-language", "uri_language":
		return snapshot.ScopeURILanguage, nil
	}
	return 0, fmt.Errorf("deactivation scope must be 'uri' or 'uri-language', got: %s", s)
}

// Stores holds the constructed document stores and the resources behind them.
type Stores struct {
	Docs      *docstore.Store
	Snapshots *snapshot.Store
	Metrics   *instrument.Metrics

	closers []func(context.Context) error
}

// Close releases database connections
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// BuildStores connects the configured backends and creates both stores. A
// nil registerer uses the default Prometheus registry.
func (c *ServerConfig) BuildStores(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stores := &Stores{}
	if c.EnableMetrics {
		stores.Metrics = instrument.NewMetrics(reg)
	}
	fail := func(err error) (*Stores, error) {
		_ = stores.Close(context.Background())
		return nil, err
	}

	var pool *pgxpool.Pool
	if c.GraphBackend == BackendPostgres || c.SnapshotBackend == BackendPostgres {
		p, err := NewPostgresPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return fail(err)
		}
		pool = p
		stores.closers = append(stores.closers, func(context.Context) error { p.Close(); return nil })
	}

	graph, err := c.buildGraph(ctx, pool, stores)
	if err != nil {
		return fail(fmt.Errorf("failed to build graph backend: %w", err))
	}
	coll, err := c.buildCollection(ctx, pool, stores)
	if err != nil {
		return fail(fmt.Errorf("failed to build snapshot backend: %w", err))
	}
	if stores.Metrics != nil {
		graph = stores.Metrics.Graph(graph, c.GraphBackend)
		coll = stores.Metrics.Collection(coll, c.SnapshotBackend)
	}

	docOpts := []docstore.Option{docstore.WithGraph(graph), docstore.WithLogger(logger)}
	blobs, err := c.buildBlobStore(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to build blob store: %w", err))
	}
	if blobs != nil {
		gen, _ := objectkey.ByName(c.KeyGenerator)
		docOpts = append(docOpts, docstore.WithBlobStore(blobs), docstore.WithKeyGenerator(gen))
	}
	if stores.Docs, err = docstore.New(docOpts...); err != nil {
		return fail(err)
	}

	scope, _ := parseScope(c.DeactivationScope)
	stores.Snapshots, err = snapshot.New(
		snapshot.WithCollection(coll),
		snapshot.WithLogger(logger),
		snapshot.WithDeactivationScope(scope))
	if err != nil {
		return fail(err)
	}

	logger.Info("document stores ready",
		"graph", c.GraphBackend, "snapshot", c.SnapshotBackend, "blob_store", c.BlobStore.Type)
	return stores, nil
}

func (c *ServerConfig) buildGraph(ctx context.Context, pool *pgxpool.Pool, stores *Stores) (docstore.GraphBackend, error) {
	switch c.GraphBackend {
	case BackendMemory:
		return graphmemory.New(), nil
	case BackendPostgres:
		g := graphpg.NewWithPool(pool)
		if c.AutoMigrate {
			if err := g.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return g, nil
	case BackendSurreal:
		g, err := surreal.Connect(ctx, surreal.Config{
			URL:       c.SurrealURL,
			Namespace: c.SurrealNamespace,
			Database:  c.SurrealDatabase,
			Username:  c.SurrealUser,
			Password:  c.SurrealPass,
		})
		if err != nil {
			return nil, err
		}
		stores.closers = append(stores.closers, g.Close)
		if c.AutoMigrate {
			if err := g.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported graph backend: %s", c.GraphBackend)
	}
}

func (c *ServerConfig) buildCollection(ctx context.Context, pool *pgxpool.Pool, stores *Stores) (snapshot.Collection, error) {
	switch c.SnapshotBackend {
	case BackendMemory:
		return snapmemory.New(), nil
	case BackendPostgres:
		coll := snappg.NewWithPool(pool)
		if c.AutoMigrate {
			if err := coll.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return coll, nil
	case BackendMongo:
		coll, client, err := snapmongo.Connect(ctx, snapmongo.Config{
			URI:      c.MongoURI,
			Database: c.MongoDatabase,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		stores.closers = append(stores.closers, client.Disconnect)
		if c.AutoMigrate {
			if err := coll.EnsureIndexes(ctx); err != nil {
				return nil, err
			}
		}
		return coll, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot backend: %s", c.SnapshotBackend)
	}
}

// buildBlobStore returns nil when payloads stay inline
func (c *ServerConfig) buildBlobStore(ctx context.Context) (docstore.BlobStore, error) {
	switch c.BlobStore.Type {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return memorystorage.New(), nil
	case BackendFS:
		store, err := fsstorage.New(fsstorage.Config{BaseDir: c.BlobStore.BaseDir})
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendS3:
		store, err := s3storage.New(ctx, c.BlobStore.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", c.BlobStore.Type)
	}
}

// NewPostgresPool creates a pgx pool and sets search_path on every
// connection when schema is given.
func NewPostgresPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
				return err
			}
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, docstore.Unavailable("create pgx pool", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, docstore.Unavailable("database ping", err)
	}
	return pool, nil
}
