package snapshot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// Field paths used by the store
const (
	FieldActive   = "metadata.active"
	FieldURI      = "metadata.uri"
	FieldLanguage = "metadata.language"
	FieldGroups   = "metadata.groups"
	FieldVersion  = "metadata.version"
)

// DeactivationScope selects which snapshots Save flips to inactive.
type DeactivationScope int

const (
	// ScopeURI deactivates every active snapshot sharing the uri, in any
	// language.
	ScopeURI DeactivationScope = iota
	// ScopeURILanguage deactivates only the snapshot being superseded.
	ScopeURILanguage
)

// Store is the snapshot document store
type Store struct {
	coll   Collection
	logger *slog.Logger
	now    func() time.Time
	scope  DeactivationScope
}

// Option configures the Store
type Option func(*Store)

// WithCollection sets the collection backend
func WithCollection(coll Collection) Option {
	return func(s *Store) {
		s.coll = coll
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides time.Now for creation dates
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDeactivationScope changes which snapshots a save supersedes
func WithDeactivationScope(scope DeactivationScope) Option {
	return func(s *Store) {
		s.scope = scope
	}
}

// New creates a snapshot store
func New(options ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		scope:  ScopeURI,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.coll == nil {
		return nil, errors.New("collection backend is required")
	}
	return s, nil
}

// Save inserts d as the new active snapshot for its uri and language. The
// version is one past the highest stored version for that uri and language.
func (s *Store) Save(ctx context.Context, d *Draft) (string, error) {
	uri := strings.TrimSpace(d.URI)
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", docstore.ErrInvalidName)
	}

	version := int64(0)
	prev, found, err := s.coll.FindOne(ctx,
		And(Eq(FieldURI, uri), Eq(FieldLanguage, d.Language)),
		Desc(FieldVersion))
	if err != nil {
		return "", fmt.Errorf("find previous version of %s: %w", uri, err)
	}
	if found {
		version = prev.Metadata.Version + 1
	}

	supersede := And(Eq(FieldURI, uri), Eq(FieldActive, true))
	if s.scope == ScopeURILanguage {
		supersede = And(supersede, Eq(FieldLanguage, d.Language))
	}
	flipped, err := s.coll.UpdateMany(ctx, supersede, Patch{FieldActive: false})
	if err != nil {
		return "", fmt.Errorf("deactivate %s: %w", uri, err)
	}

	groups := slices.Clone(d.Groups)
	if groups == nil {
		groups = []string{}
	}
	snap := &Snapshot{
		Content: cloneMap(d.Content),
		Metadata: Metadata{
			CreateDate: s.now(),
			Creator:    d.Creator,
			Active:     true,
			URI:        uri,
			Language:   d.Language,
			Groups:     groups,
			Version:    version,
		},
	}
	id, err := s.coll.InsertOne(ctx, snap)
	if err != nil {
		return "", fmt.Errorf("insert %s v%d: %w", uri, version, err)
	}
	s.logger.DebugContext(ctx, "snapshot saved",
		"uri", uri, "language", d.Language, "version", version, "id", id, "deactivated", flipped)
	return id, nil
}

// LatestByURI returns the active snapshot for uri. An empty language matches
// any language.
func (s *Store) LatestByURI(ctx context.Context, uri, language string) (*Snapshot, error) {
	filter := And(Eq(FieldURI, uri), Eq(FieldActive, true))
	if language != "" {
		filter = And(filter, Eq(FieldLanguage, language))
	}
	snap, found, err := s.coll.FindOne(ctx, filter, Desc(FieldVersion))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("snapshot %s (%s): %w", uri, language, docstore.ErrNotFound)
	}
	return snap, nil
}

// AllVersionsByURI returns every stored snapshot for uri, oldest first.
func (s *Store) AllVersionsByURI(ctx context.Context, uri, language string) ([]*Snapshot, error) {
	filter := Eq(FieldURI, uri)
	if language != "" {
		filter = And(filter, Eq(FieldLanguage, language))
	}
	cur, err := s.coll.FindMany(ctx, filter, Asc(FieldVersion))
	if err != nil {
		return nil, err
	}
	return drain(ctx, cur)
}

func drain(ctx context.Context, cur Cursor) ([]*Snapshot, error) {
	defer cur.Close(ctx)
	var out []*Snapshot
	for cur.Next(ctx) {
		snap, err := cur.Snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// Roles returns the groups on which username holds permission. An unknown
// user has no roles.
func (s *Store) Roles(ctx context.Context, username, permission string) ([]string, error) {
	u, found, err := s.coll.FindUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return u.Roles(permission), nil
}

// readableGroups is the caller's read roles, or the public group when the
// caller has none.
func (s *Store) readableGroups(ctx context.Context, username string) ([]any, error) {
	roles, err := s.Roles(ctx, username, PermRead)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return []any{PublicGroup}, nil
	}
	groups := make([]any, 0, len(roles))
	for _, r := range roles {
		groups = append(groups, r)
	}
	return groups, nil
}

// CanRead reports whether username may read snap: the snapshot must share a
// group with the user's read roles. A user without read roles reads public.
func (s *Store) CanRead(ctx context.Context, username string, snap *Snapshot) (bool, error) {
	groups, err := s.readableGroups(ctx, username)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if slices.Contains(snap.Metadata.Groups, g.(string)) {
			return true, nil
		}
	}
	return false, nil
}

// Search returns the active snapshots username may read, restricted to
// language when given and to filter when non-empty. Nothing runs until the
// results are iterated.
func (s *Store) Search(ctx context.Context, username string, filter Filter, language string) *Results {
	return &Results{
		store:    s,
		username: username,
		filter:   filter,
		language: language,
	}
}

// Results is a lazy, restartable search result. Every Iter or All call runs
// the query again.
type Results struct {
	store    *Store
	username string
	filter   Filter
	language string
}

func (r *Results) query(ctx context.Context) (Cursor, error) {
	if err := r.filter.Validate(); err != nil {
		return nil, err
	}
	groups, err := r.store.readableGroups(ctx, r.username)
	if err != nil {
		return nil, fmt.Errorf("roles for %s: %w", r.username, err)
	}
	filter := And(Eq(FieldActive, true), In(FieldGroups, groups...))
	if r.language != "" {
		filter = And(filter, Eq(FieldLanguage, r.language))
	}
	filter = And(filter, r.filter)
	return r.store.coll.FindMany(ctx, filter, Asc(FieldURI), Asc(FieldLanguage))
}

// Iter yields matching snapshots. A failure is yielded once as the final
// element.
func (r *Results) Iter(ctx context.Context) iter.Seq2[*Snapshot, error] {
	return func(yield func(*Snapshot, error) bool) {
		cur, err := r.query(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			snap, err := cur.Snapshot()
			if !yield(snap, err) || err != nil {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// All collects every result
func (r *Results) All(ctx context.Context) ([]*Snapshot, error) {
	var out []*Snapshot
	for snap, err := range r.Iter(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func validUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("%w: empty username", docstore.ErrInvalidName)
	}
	return username, nil
}

// CreateUser inserts u, or replaces the grants of the existing user with the
// same username. It returns the user id.
func (s *Store) CreateUser(ctx context.Context, u *User) (string, error) {
	username, err := validUsername(u.Username)
	if err != nil {
		return "", err
	}
	existing, found, err := s.coll.FindUser(ctx, username)
	if err != nil {
		return "", err
	}
	if found {
		if _, err := s.coll.UpdateUserGroups(ctx, username, u.Groups); err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	nu := u.Clone()
	nu.Username = username
	if nu.Groups == nil {
		nu.Groups = []GroupGrant{}
	}
	return s.coll.InsertUser(ctx, nu)
}

// GetUser returns the user or ErrNotFound
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	u, found, err := s.coll.FindUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("user %s: %w", username, docstore.ErrNotFound)
	}
	return u, nil
}

// UpdateUser replaces the grants of an existing user
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	n, err := s.coll.UpdateUserGroups(ctx, u.Username, u.Groups)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", u.Username, docstore.ErrNotFound)
	}
	return nil
}
