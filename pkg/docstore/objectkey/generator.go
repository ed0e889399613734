package objectkey

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Generator defines the interface for revision payload key strategies
type Generator interface {
	// GenerateKey creates an object key for storage backends
	GenerateKey(objectID uuid.UUID, metadata *KeyMetadata) string
}

// KeyMetadata describes the revision a payload belongs to
type KeyMetadata struct {
	DocumentName string
	Language     string
	Version      int64
	MimeType     string
}

// LegacyGenerator lays keys out flat by document and language:
// D/{document}/{language}/{version}/{objectID}
type LegacyGenerator struct{}

func NewLegacyGenerator() *LegacyGenerator {
	return &LegacyGenerator{}
}

func (g *LegacyGenerator) GenerateKey(objectID uuid.UUID, metadata *KeyMetadata) string {
	if metadata == nil || metadata.DocumentName == "" {
		return fmt.Sprintf("D/%s", objectID)
	}
	return fmt.Sprintf("D/%s/%s/%d/%s",
		sanitizePathComponent(metadata.DocumentName),
		sanitizePathComponent(metadata.Language),
		metadata.Version, objectID)
}

// GitLikeGenerator provides Git-style sharded storage
// revisions/objects/ab/cd1234ef5678_v3
type GitLikeGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewGitLikeGenerator() *GitLikeGenerator {
	return &GitLikeGenerator{ShardLength: 2}
}

func (g *GitLikeGenerator) GenerateKey(objectID uuid.UUID, metadata *KeyMetadata) string {
	id := strings.ReplaceAll(objectID.String(), "-", "")
	return shardedKey(id, clampShard(g.ShardLength, len(id)), metadata)
}

// HashedGenerator derives the key from the revision coordinates, so the same
// (document, language, version) always maps to the same object.
type HashedGenerator struct {
	ShardLength int
}

func NewHashedGenerator() *HashedGenerator {
	return &HashedGenerator{ShardLength: 2}
}

func (g *HashedGenerator) GenerateKey(objectID uuid.UUID, metadata *KeyMetadata) string {
	seed := objectID.String()
	if metadata != nil {
		seed = metadata.DocumentName + "\x00" + metadata.Language + "\x00" + strconv.FormatInt(metadata.Version, 10)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(seed)))[:16]
	return shardedKey(hash, clampShard(g.ShardLength, len(hash)), metadata)
}

// CustomFuncGenerator allows users to provide their own key generation function
type CustomFuncGenerator struct {
	GenerateFunc func(objectID uuid.UUID, metadata *KeyMetadata) string
}

func NewCustomFuncGenerator(fn func(objectID uuid.UUID, metadata *KeyMetadata) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{GenerateFunc: fn}
}

func (g *CustomFuncGenerator) GenerateKey(objectID uuid.UUID, metadata *KeyMetadata) string {
	return g.GenerateFunc(objectID, metadata)
}

func clampShard(n, max int) int {
	if n <= 0 {
		return 2
	}
	if n > max {
		return max
	}
	return n
}

func shardedKey(id string, shard int, metadata *KeyMetadata) string {
	filename := id[shard:]
	if metadata != nil {
		filename = fmt.Sprintf("%s_v%d", filename, metadata.Version)
	}
	return fmt.Sprintf("revisions/objects/%s/%s", id[:shard], filename)
}

func sanitizePathComponent(component string) string {
	if component == "" {
		return "_"
	}
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
	)
	return strings.ToLower(replacer.Replace(component))
}

// NewRecommendedGenerator returns the recommended generator for new installations
func NewRecommendedGenerator() Generator {
	return NewGitLikeGenerator()
}

// ByName resolves a generator from its configuration name
func ByName(name string) (Generator, error) {
	switch strings.ToLower(name) {
	case "", "git-like", "gitlike":
		return NewGitLikeGenerator(), nil
	case "legacy":
		return NewLegacyGenerator(), nil
	case "hashed":
		return NewHashedGenerator(), nil
	}
	return nil, fmt.Errorf("unknown object key generator: %s", name)
}
