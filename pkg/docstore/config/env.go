package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// envConfig lists every variable WithEnv understands. Unset variables leave
// the current value alone.
type envConfig struct {
	Port        string `env:"PORT" env-description:"HTTP listen port"`
	Environment string `env:"ENVIRONMENT" env-description:"development, production or testing"`

	GraphBackend    string `env:"GRAPH_BACKEND" env-description:"memory, postgres or surreal"`
	SnapshotBackend string `env:"SNAPSHOT_BACKEND" env-description:"memory, postgres or mongo"`

	DatabaseURL string `env:"DATABASE_URL" env-description:"Postgres connection string, or memory"`
	DBSchema    string `env:"DB_SCHEMA" env-description:"Postgres schema"`

	SurrealURL       string `env:"SURREAL_URL" env-description:"SurrealDB endpoint, e.g. ws://localhost:8000"`
	SurrealNamespace string `env:"SURREAL_NAMESPACE"`
	SurrealDatabase  string `env:"SURREAL_DATABASE"`
	SurrealUser      string `env:"SURREAL_USER"`
	SurrealPass      string `env:"SURREAL_PASS"`

	MongoURI      string `env:"MONGO_URI" env-description:"MongoDB connection string"`
	MongoDatabase string `env:"MONGO_DATABASE"`

	StorageURL   string `env:"STORAGE_URL" env-description:"none, memory://, file:///path or s3://bucket?region=&endpoint="`
	KeyGenerator string `env:"OBJECT_KEY_GENERATOR" env-description:"git-like, legacy or hashed"`

	DeactivationScope string `env:"DEACTIVATION_SCOPE" env-description:"uri or uri-language"`
	JWTSecret         string `env:"JWT_SECRET"`
	AutoMigrate       string `env:"AUTO_MIGRATE"`
	EnableMetrics     string `env:"ENABLE_METRICS"`
}

// awsEnv holds the standard AWS variables, which are never prefixed.
type awsEnv struct {
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION"`
}

// readEnv reads envConfig with every variable name prefixed.
func readEnv(prefix string) (envConfig, error) {
	if prefix == "" {
		var env envConfig
		err := cleanenv.ReadEnv(&env)
		return env, err
	}
	wrapper := reflect.StructOf([]reflect.StructField{{
		Name: "Env",
		Type: reflect.TypeOf(envConfig{}),
		Tag:  reflect.StructTag(fmt.Sprintf(`env-prefix:%q`, prefix)),
	}})
	v := reflect.New(wrapper)
	if err := cleanenv.ReadEnv(v.Interface()); err != nil {
		return envConfig{}, err
	}
	return v.Elem().Field(0).Interface().(envConfig), nil
}

// WithEnv applies environment variable overrides using the provided prefix.
//
// DATABASE_URL with a postgres:// or postgresql:// scheme selects postgres for
// both stores unless GRAPH_BACKEND or SNAPSHOT_BACKEND say otherwise.
// SURREAL_URL and MONGO_URI likewise select their backend. STORAGE_URL picks
// the revision payload store:
//
//	none | memory:// | file:///path/to/data | s3://bucket?region=us-east-1&endpoint=http://localhost:9000
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		env, err := readEnv(prefix)
		if err != nil {
			return fmt.Errorf("read environment: %w", err)
		}

		setString(&c.Port, env.Port)
		setString(&c.Environment, env.Environment)
		setString(&c.DBSchema, env.DBSchema)

		if err := applyDatabaseEnv(env, c); err != nil {
			return err
		}
		if env.SurrealURL != "" {
			c.GraphBackend = BackendSurreal
			c.SurrealURL = env.SurrealURL
		}
		setString(&c.SurrealNamespace, env.SurrealNamespace)
		setString(&c.SurrealDatabase, env.SurrealDatabase)
		setString(&c.SurrealUser, env.SurrealUser)
		setString(&c.SurrealPass, env.SurrealPass)
		if env.MongoURI != "" {
			c.SnapshotBackend = BackendMongo
			c.MongoURI = env.MongoURI
		}
		setString(&c.MongoDatabase, env.MongoDatabase)

		// explicit selections win over detection
		setString(&c.GraphBackend, env.GraphBackend)
		setString(&c.SnapshotBackend, env.SnapshotBackend)

		var aws awsEnv
		if err := cleanenv.ReadEnv(&aws); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		if err := applyStorageEnv(env.StorageURL, aws, c); err != nil {
			return err
		}
		setString(&c.KeyGenerator, env.KeyGenerator)
		setString(&c.DeactivationScope, env.DeactivationScope)
		setString(&c.JWTSecret, env.JWTSecret)

		if err := setBool(&c.AutoMigrate, prefix+"AUTO_MIGRATE", env.AutoMigrate); err != nil {
			return err
		}
		return setBool(&c.EnableMetrics, prefix+"ENABLE_METRICS", env.EnableMetrics)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, name, raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", name, err)
	}
	*dst = parsed
	return nil
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(env envConfig, c *ServerConfig) error {
	dbURL := env.DatabaseURL
	if dbURL == "" || dbURL == BackendMemory {
		return nil
	}
	if !strings.HasPrefix(dbURL, "postgresql://") && !strings.HasPrefix(dbURL, "postgres://") {
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
	}
	c.DatabaseURL = dbURL
	c.GraphBackend = BackendPostgres
	c.SnapshotBackend = BackendPostgres
	return nil
}

// applyStorageEnv applies blob storage configuration from environment
func applyStorageEnv(raw string, aws awsEnv, c *ServerConfig) error {
	switch raw {
	case "":
		return nil
	case BackendNone:
		c.BlobStore = BlobStoreConfig{Type: BackendNone}
		return nil
	case BackendMemory, "memory://":
		c.BlobStore = BlobStoreConfig{Type: BackendMemory}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if path == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		c.BlobStore = BlobStoreConfig{Type: BackendFS, BaseDir: path}
		return nil
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
		}
		q := u.Query()
		b := BlobStoreConfig{Type: BackendS3}
		b.S3.Bucket = u.Host
		b.S3.Region = "us-east-1"
		setString(&b.S3.Region, aws.Region)
		setString(&b.S3.Region, q.Get("region"))
		b.S3.Endpoint = q.Get("endpoint")
		b.S3.AccessKeyID = aws.AccessKeyID
		b.S3.SecretAccessKey = aws.SecretAccessKey
		if err := setBool(&b.S3.UsePathStyle, "STORAGE_URL path_style", q.Get("path_style")); err != nil {
			return err
		}
		if err := setBool(&b.S3.CreateBucketIfNotExist, "STORAGE_URL create_bucket", q.Get("create_bucket")); err != nil {
			return err
		}
		if sse := q.Get("sse"); sse != "" {
			b.S3.EnableSSE = true
			b.S3.SSEAlgorithm = sse
			b.S3.SSEKMSKeyID = q.Get("kms_key_id")
		}
		c.BlobStore = b
		return nil
	}
	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'none', 'memory://', 'file://...', or 's3://...')", raw)
}
