package config

import (
	"fmt"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase sets the Postgres connection string and schema used by any
// postgres backend
func WithDatabase(url, schema string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("database URL cannot be empty")
		}
		c.DatabaseURL = url
		c.DBSchema = schema
		return nil
	}
}

// WithGraphBackend selects the graph backend ("memory", "postgres", "surreal")
func WithGraphBackend(name string) Option {
	return func(c *ServerConfig) error {
		switch name {
		case BackendMemory, BackendPostgres, BackendSurreal:
			c.GraphBackend = name
			return nil
		}
		return fmt.Errorf("graph backend must be 'memory', 'postgres' or 'surreal', got: %s", name)
	}
}

// WithSnapshotBackend selects the snapshot backend ("memory", "postgres", "mongo")
func WithSnapshotBackend(name string) Option {
	return func(c *ServerConfig) error {
		switch name {
		case BackendMemory, BackendPostgres, BackendMongo:
			c.SnapshotBackend = name
			return nil
		}
		return fmt.Errorf("snapshot backend must be 'memory', 'postgres' or 'mongo', got: %s", name)
	}
}

// WithSurreal configures the SurrealDB connection and selects it as the
// graph backend
func WithSurreal(url, namespace, database, user, pass string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("surreal URL cannot be empty")
		}
		c.GraphBackend = BackendSurreal
		c.SurrealURL = url
		if namespace != "" {
			c.SurrealNamespace = namespace
		}
		if database != "" {
			c.SurrealDatabase = database
		}
		c.SurrealUser = user
		c.SurrealPass = pass
		return nil
	}
}

// WithMongo configures MongoDB and selects it as the snapshot backend
func WithMongo(uri, database string) Option {
	return func(c *ServerConfig) error {
		if uri == "" {
			return fmt.Errorf("mongo URI cannot be empty")
		}
		c.SnapshotBackend = BackendMongo
		c.MongoURI = uri
		if database != "" {
			c.MongoDatabase = database
		}
		return nil
	}
}

// WithMemoryBlobStore keeps revision payloads in process memory
func WithMemoryBlobStore() Option {
	return func(c *ServerConfig) error {
		c.BlobStore = BlobStoreConfig{Type: BackendMemory}
		return nil
	}
}

// WithFilesystemBlobStore writes revision payloads under baseDir
func WithFilesystemBlobStore(baseDir string) Option {
	return func(c *ServerConfig) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.BlobStore = BlobStoreConfig{Type: BackendFS, BaseDir: baseDir}
		return nil
	}
}

// WithS3BlobStore writes revision payloads to an S3 bucket
func WithS3BlobStore(bucket, region string, opts ...S3Option) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket name cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.BlobStore = BlobStoreConfig{Type: BackendS3}
		c.BlobStore.S3.Bucket = bucket
		c.BlobStore.S3.Region = region
		for _, opt := range opts {
			opt(&c.BlobStore)
		}
		return nil
	}
}

// S3Option adjusts an S3 blob store
type S3Option func(*BlobStoreConfig)

// WithS3Credentials sets static credentials
func WithS3Credentials(accessKeyID, secretAccessKey string) S3Option {
	return func(b *BlobStoreConfig) {
		b.S3.AccessKeyID = accessKeyID
		b.S3.SecretAccessKey = secretAccessKey
	}
}

// WithS3Endpoint points at an S3-compatible service such as MinIO
func WithS3Endpoint(endpoint string, pathStyle bool) S3Option {
	return func(b *BlobStoreConfig) {
		b.S3.Endpoint = endpoint
		b.S3.UsePathStyle = pathStyle
	}
}

// WithS3Encryption enables server-side encryption
func WithS3Encryption(algorithm, kmsKeyID string) S3Option {
	return func(b *BlobStoreConfig) {
		b.S3.EnableSSE = true
		b.S3.SSEAlgorithm = algorithm
		b.S3.SSEKMSKeyID = kmsKeyID
	}
}

// WithS3CreateBucket creates the bucket on startup when missing
func WithS3CreateBucket() S3Option {
	return func(b *BlobStoreConfig) {
		b.S3.CreateBucketIfNotExist = true
	}
}

// WithObjectKeyGenerator selects how blob keys are laid out
func WithObjectKeyGenerator(name string) Option {
	return func(c *ServerConfig) error {
		c.KeyGenerator = name
		return nil
	}
}

// WithDeactivationScope selects which snapshots a save supersedes ("uri" or "uri-language")
func WithDeactivationScope(scope string) Option {
	return func(c *ServerConfig) error {
		if _, err := parseScope(scope); err != nil {
			return err
		}
		c.DeactivationScope = scope
		return nil
	}
}

// WithJWTSecret sets the HMAC secret used to verify bearer tokens
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.JWTSecret = secret
		return nil
	}
}

// WithAutoMigrate toggles schema creation on startup
func WithAutoMigrate(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.AutoMigrate = enabled
		return nil
	}
}

// WithMetrics toggles the Prometheus backend decorators
func WithMetrics(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableMetrics = enabled
		return nil
	}
}
