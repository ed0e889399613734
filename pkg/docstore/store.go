package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tendant/simple-docstore/pkg/docstore/objectkey"
)

// Store is the entry point to the graph document model. It is safe for
// concurrent use when the configured backend is.
type Store struct {
	graph  GraphBackend
	blobs  BlobStore
	keys   objectkey.Generator
	logger *slog.Logger
	now    func() time.Time

	translations translationIndex
	content      versionedContent
	permissions  *Permissions
}

// Option represents a functional option for configuring the store
type Option func(*Store)

// WithGraph sets the graph backend for the store
func WithGraph(graph GraphBackend) Option {
	return func(s *Store) {
		s.graph = graph
	}
}

// WithBlobStore keeps revision payloads in an external blob store instead of
// inline on the revision record.
func WithBlobStore(blobs BlobStore) Option {
	return func(s *Store) {
		s.blobs = blobs
	}
}

// WithKeyGenerator sets the object key strategy for blob-stored payloads
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(s *Store) {
		s.keys = gen
	}
}

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the revision timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new store with the given options
func New(options ...Option) (*Store, error) {
	s := &Store{now: time.Now}
	for _, option := range options {
		option(s)
	}

	if s.graph == nil {
		return nil, fmt.Errorf("graph backend is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.keys == nil {
		s.keys = objectkey.NewRecommendedGenerator()
	}

	s.translations = translationIndex{graph: s.graph}
	s.content = versionedContent{graph: s.graph, blobs: s.blobs, keys: s.keys, now: s.now}
	s.permissions = &Permissions{graph: s.graph, logger: s.logger}
	return s, nil
}

// Permissions returns the permission registry
func (s *Store) Permissions() *Permissions {
	return s.permissions
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty document name", ErrInvalidName)
	}
	return name, nil
}

// ResolveDocument looks a document up by its unique name.
func (s *Store) ResolveDocument(ctx context.Context, name string) (*DocumentRecord, bool, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, false, err
	}
	rec, found, err := s.graph.LookupUnique(ctx, CollectionDocuments, fieldName, name)
	if err != nil || !found {
		return nil, false, err
	}
	return documentFromRecord(rec), true, nil
}

// Open loads the named document in the given language. A document that does
// not exist yet is returned unpersisted; it is created by the first Save.
func (s *Store) Open(ctx context.Context, name, lang string) (*Document, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	lang, err = NormalizeLanguage(lang)
	if err != nil {
		return nil, err
	}

	d := &Document{store: s, name: name, language: lang, attrs: NewAttributeSet()}
	rec, found, err := s.ResolveDocument(ctx, name)
	if err != nil {
		return nil, &DocumentError{Name: name, Language: lang, Op: "open", Err: err}
	}
	if !found {
		return d, nil
	}
	d.record = rec

	if err := d.loadAttributes(ctx, rec.ID, false); err != nil {
		return nil, &DocumentError{Name: name, Language: lang, Op: "open", Err: err}
	}
	tr, found, err := s.translations.lookup(ctx, rec.ID, lang)
	if err != nil {
		return nil, &DocumentError{Name: name, Language: lang, Op: "open", Err: err}
	}
	if found {
		d.translation = tr
		if err := d.loadAttributes(ctx, tr.ID, true); err != nil {
			return nil, &DocumentError{Name: name, Language: lang, Op: "open", Err: err}
		}
	}
	return d, nil
}

// DocumentContent returns the current payload of a document translation
// without loading its attributes.
func (s *Store) DocumentContent(ctx context.Context, name, lang string) ([]byte, error) {
	d, err := s.Open(ctx, name, lang)
	if err != nil {
		return nil, err
	}
	return d.CurrentContent(ctx)
}

// Translations lists the language codes a document has content or
// attributes in.
func (s *Store) Translations(ctx context.Context, name string) ([]string, error) {
	rec, found, err := s.ResolveDocument(ctx, name)
	if err != nil {
		return nil, &DocumentError{Name: name, Op: "translations", Err: err}
	}
	if !found {
		return nil, &DocumentError{Name: name, Op: "translations", Err: ErrNotFound}
	}
	langs, err := s.translations.languages(ctx, rec.ID)
	if err != nil {
		return nil, &DocumentError{Name: name, Op: "translations", Err: err}
	}
	return langs, nil
}

// RevisionPayload reads the payload of any revision returned by History.
func (s *Store) RevisionPayload(ctx context.Context, rev *ContentRevision) ([]byte, error) {
	if rev == nil {
		return nil, errors.New("nil revision")
	}
	return s.content.payload(ctx, rev)
}
