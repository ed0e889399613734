package docstore

import (
	"context"
	"io"
	"time"
)

// Collections used in the document graph
const (
	CollectionDocuments    = "documents"
	CollectionTranslations = "translations"
	CollectionRevisions    = "revisions"
	CollectionValues       = "values"
	CollectionUsers        = "users"
)

// Fixed edge labels. Translation edges are labelled by language code and
// attribute edges by attribute key.
const (
	LabelHasContent = "HAS_CONTENT"
	LabelCurrent    = "CURRENT"
	LabelAllowed    = "ALLOWED"
)

// Direction selects which end of an edge is anchored in an EdgeMatch.
type Direction int

const (
	// Outgoing matches edges whose From is the anchor node
	Outgoing Direction = iota
	// Incoming matches edges whose To is the anchor node
	Incoming
)

// Record is a node in the graph backend
type Record struct {
	ID         string
	Collection string
	Fields     map[string]any
}

// Edge is a labelled relationship between two records
type Edge struct {
	ID         string
	From       string
	To         string
	Label      string
	Properties map[string]any
}

// Relation pairs a matched edge with the record on its far side
type Relation struct {
	Edge *Edge
	Node *Record
}

// EdgeMatch selects edges around an anchor node. Every field is compared as
// data; backends must never splice these values into query text.
type EdgeMatch struct {
	Node      string
	Direction Direction
	// Label restricts the edge label; empty matches any label.
	Label string
	// Other restricts the far node id; empty matches any node.
	Other string
	// OtherCollection restricts the far node collection.
	OtherCollection string
	// Where is an equality predicate on the far node's fields.
	Where map[string]any
}

// FarID returns the id of the edge end opposite the anchor.
func (m EdgeMatch) FarID(e *Edge) string {
	if m.Direction == Incoming {
		return e.From
	}
	return e.To
}

// AnchorID returns the id of the edge end the match is anchored on.
func (m EdgeMatch) AnchorID(e *Edge) string {
	if m.Direction == Incoming {
		return e.To
	}
	return e.From
}

// GraphBackend is the minimal capability set the document core needs from a
// persistence backend.
type GraphBackend interface {
	// GetOrCreateByUniqueKey returns the record of collection whose unique
	// key equals value, creating it from defaults when absent. The bool
	// reports whether the record was created by this call.
	GetOrCreateByUniqueKey(ctx context.Context, collection, key string, value any, defaults map[string]any) (*Record, bool, error)

	// LookupUnique resolves a record through a unique index.
	LookupUnique(ctx context.Context, collection, key string, value any) (*Record, bool, error)

	// GetRecord fetches a record by id, returning ErrNotFound when absent
	GetRecord(ctx context.Context, id string) (*Record, error)

	// CreateRecord inserts a new record
	CreateRecord(ctx context.Context, collection string, fields map[string]any) (*Record, error)

	// CreateRelationship adds an edge. Duplicate edges are allowed.
	CreateRelationship(ctx context.Context, from, to, label string, properties map[string]any) (*Edge, error)

	// DeleteRelationships removes every edge selected by match and returns the count
	DeleteRelationships(ctx context.Context, match EdgeMatch) (int, error)

	// Related returns the edges selected by match with their far records,
	// in creation order.
	Related(ctx context.Context, match EdgeMatch) ([]Relation, error)
}

// BlobStore holds revision payloads outside the graph
type BlobStore interface {
	// Upload uploads content directly
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// UploadWithParams uploads content with additional parameters
	UploadWithParams(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	ObjectKey string
	MimeType  string
}
