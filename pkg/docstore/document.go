package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Document is an in-memory aggregate of one document in one language.
// Mutations are staged until Save. A Document is not safe for concurrent use.
type Document struct {
	store    *Store
	name     string
	language string

	record      *DocumentRecord
	translation *Translation
	attrs       *AttributeSet

	content    []byte
	hasContent bool
}

// Name returns the document's unique name
func (d *Document) Name() string { return d.name }

// Language returns the normalized language code
func (d *Document) Language() string { return d.language }

// Persisted reports whether the document record exists in the backend
func (d *Document) Persisted() bool { return d.record != nil }

// ID returns the backend id of the document, or "" before the first save
func (d *Document) ID() string {
	if d.record == nil {
		return ""
	}
	return d.record.ID
}

// Attributes returns the loaded and staged attributes in insertion order
func (d *Document) Attributes() []Attribute { return d.attrs.All() }

// Attribute returns one attribute in the given scope
func (d *Document) Attribute(key string, translatable bool) (AttributeValue, bool) {
	return d.attrs.Get(key, translatable)
}

// AddAttribute stages a value for key. Adding to an existing key merges the
// values into a set. There is no removal.
func (d *Document) AddAttribute(key string, value any, translatable bool) error {
	return d.attrs.Add(key, value, translatable)
}

// SetContent stages a new content payload for this translation
func (d *Document) SetContent(payload []byte) {
	d.content = append([]byte(nil), payload...)
	d.hasContent = true
}

func (d *Document) loadAttributes(ctx context.Context, ownerID string, translatable bool) error {
	rels, err := d.store.graph.Related(ctx, EdgeMatch{
		Node:            ownerID,
		Direction:       Outgoing,
		OtherCollection: CollectionValues,
	})
	if err != nil {
		return err
	}
	for _, rel := range rels {
		canonical := stringField(rel.Node.Fields, fieldValueKey)
		scalar, ok := scalarFromKey(canonical)
		if !ok {
			return fmt.Errorf("value %s has malformed key %q", rel.Node.ID, canonical)
		}
		if err := d.attrs.load(rel.Edge.Label, scalar, translatable); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the document, its translation, staged attributes and staged
// content, then grants user access. The steps run in sequence without a
// transaction; a failure leaves the earlier steps in place.
func (d *Document) Save(ctx context.Context, user string) error {
	if err := d.save(ctx, user); err != nil {
		return &DocumentError{Name: d.name, Language: d.language, Op: "save", Err: err}
	}
	return nil
}

func (d *Document) save(ctx context.Context, user string) error {
	user, err := normalizeUsername(user)
	if err != nil {
		return err
	}
	s := d.store

	rec, created, err := s.graph.GetOrCreateByUniqueKey(ctx, CollectionDocuments, fieldName, d.name,
		map[string]any{fieldName: d.name})
	if err != nil {
		return fmt.Errorf("document record: %w", err)
	}
	d.record = documentFromRecord(rec)
	if created {
		s.logger.Info("document created", "name", d.name, "document_id", rec.ID)
	}

	if err := d.ensureTranslation(ctx); err != nil {
		return err
	}

	for _, p := range d.attrs.pending() {
		if err := d.persistAttribute(ctx, p); err != nil {
			return fmt.Errorf("attribute %q: %w", p.key, err)
		}
		d.attrs.markPersisted(p)
	}

	if d.hasContent {
		rev, err := s.content.append(ctx, d.record, d.translation, d.content, user)
		if err != nil {
			return fmt.Errorf("content: %w", err)
		}
		d.content, d.hasContent = nil, false
		s.logger.Info("revision saved", "name", d.name, "language", d.language, "version", rev.Version)
	}

	return s.permissions.Grant(ctx, d.record.ID, user)
}

func (d *Document) ensureTranslation(ctx context.Context) error {
	if d.translation != nil {
		return nil
	}
	tr, found, err := d.store.translations.lookup(ctx, d.record.ID, d.language)
	if err != nil {
		return fmt.Errorf("translation lookup: %w", err)
	}
	if !found {
		tr, err = d.store.translations.create(ctx, d.record, d.language)
		if err != nil {
			return fmt.Errorf("translation create: %w", err)
		}
	}
	d.translation = tr
	return nil
}

func (d *Document) persistAttribute(ctx context.Context, p pendingValue) error {
	canonical := canonicalKey(p.scalar)
	value, _, err := d.store.graph.GetOrCreateByUniqueKey(ctx, CollectionValues, fieldValueKey, canonical,
		map[string]any{fieldValueKey: canonical, fieldValue: p.scalar})
	if err != nil {
		return err
	}
	owner := d.record.ID
	if p.translatable {
		owner = d.translation.ID
	}
	_, err = d.store.graph.CreateRelationship(ctx, owner, value.ID, p.key, nil)
	return err
}

// resolveTranslation refreshes the translation if another writer may have
// created it since Open.
func (d *Document) resolveTranslation(ctx context.Context) (*Translation, error) {
	if d.record == nil {
		return nil, ErrNotFound
	}
	if d.translation != nil {
		return d.translation, nil
	}
	tr, found, err := d.store.translations.lookup(ctx, d.record.ID, d.language)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	d.translation = tr
	return tr, nil
}

// CurrentContent returns the payload of the current revision. It returns
// ErrNotFound when the document, translation or content is absent and
// *InconsistentStateError when the current pointer is missing or ambiguous.
func (d *Document) CurrentContent(ctx context.Context) ([]byte, error) {
	rev, err := d.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := d.store.content.payload(ctx, rev)
	if err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "current_content", Err: err}
	}
	return payload, nil
}

// CurrentRevision returns the revision the current pointer designates.
func (d *Document) CurrentRevision(ctx context.Context) (*ContentRevision, error) {
	tr, err := d.resolveTranslation(ctx)
	if err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "current_revision", Err: err}
	}
	rev, err := d.store.content.current(ctx, tr.ID)
	if err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "current_revision", Err: err}
	}
	return rev, nil
}

// History returns every revision of this translation, oldest first.
func (d *Document) History(ctx context.Context) ([]*ContentRevision, error) {
	tr, err := d.resolveTranslation(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "history", Err: err}
	}
	revs, err := d.store.content.history(ctx, tr.ID)
	if err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "history", Err: err}
	}
	return revs, nil
}

// Verify reports duplicate versions, version gaps and a missing, ambiguous or
// stale current pointer as ErrInconsistentState.
func (d *Document) Verify(ctx context.Context) error {
	tr, err := d.resolveTranslation(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return &DocumentError{Name: d.name, Language: d.language, Op: "verify", Err: err}
	}
	if err := d.store.content.verify(ctx, tr.ID); err != nil {
		return &DocumentError{Name: d.name, Language: d.language, Op: "verify", Err: err}
	}
	return nil
}

// Repair points the current pointer at the highest-version revision.
func (d *Document) Repair(ctx context.Context) (*ContentRevision, error) {
	revs, err := d.History(ctx)
	if err != nil {
		return nil, err
	}
	last := latest(revs)
	if last == nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "repair", Err: ErrNotFound}
	}
	if err := d.store.content.setCurrent(ctx, d.translation.ID, last.ID); err != nil {
		return nil, &DocumentError{Name: d.name, Language: d.language, Op: "repair", Err: err}
	}
	d.store.logger.Warn("current pointer repaired", "name", d.name, "language", d.language, "version", last.Version)
	return last, nil
}

// GrantPermission allows user to access this document. On a document that
// has never been saved it logs a warning and does nothing.
func (d *Document) GrantPermission(ctx context.Context, user string) error {
	if !d.Persisted() {
		d.store.logger.Warn("grant on unsaved document ignored", "name", d.name, "username", user)
		return nil
	}
	if err := d.store.permissions.Grant(ctx, d.record.ID, user); err != nil {
		return &DocumentError{Name: d.name, Op: "grant", Err: err}
	}
	return nil
}

// RevokePermission removes every grant user holds on this document.
func (d *Document) RevokePermission(ctx context.Context, user string) error {
	if !d.Persisted() {
		d.store.logger.Warn("revoke on unsaved document ignored", "name", d.name, "username", user)
		return nil
	}
	if err := d.store.permissions.Revoke(ctx, d.record.ID, user); err != nil {
		return &DocumentError{Name: d.name, Op: "revoke", Err: err}
	}
	return nil
}

// CheckPermission reports whether user may access this document. Unsaved
// documents grant nobody.
func (d *Document) CheckPermission(ctx context.Context, user string) (bool, error) {
	if !d.Persisted() {
		d.store.logger.Warn("permission check on unsaved document", "name", d.name, "username", user)
		return false, nil
	}
	ok, err := d.store.permissions.Check(ctx, d.record.ID, user)
	if err != nil {
		return false, &DocumentError{Name: d.name, Op: "check", Err: err}
	}
	return ok, nil
}
