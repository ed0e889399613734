package docstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-docstore/pkg/docstore/objectkey"
)

// versionedContent keeps the append-only revision history of a translation
// and the single CURRENT pointer into it.
type versionedContent struct {
	graph GraphBackend
	blobs BlobStore
	keys  objectkey.Generator
	now   func() time.Time
}

// history returns every revision of the translation ordered by version.
// Revisions sharing a version keep their creation order.
func (vc versionedContent) history(ctx context.Context, translationID string) ([]*ContentRevision, error) {
	rels, err := vc.graph.Related(ctx, EdgeMatch{
		Node:            translationID,
		Direction:       Outgoing,
		Label:           LabelHasContent,
		OtherCollection: CollectionRevisions,
	})
	if err != nil {
		return nil, err
	}
	revs := make([]*ContentRevision, 0, len(rels))
	for _, rel := range rels {
		rev, err := revisionFromRecord(rel.Node)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].Version < revs[j].Version })
	return revs, nil
}

func latest(revs []*ContentRevision) *ContentRevision {
	if len(revs) == 0 {
		return nil
	}
	return revs[len(revs)-1]
}

// append stores payload as the next revision and moves CURRENT onto it.
// The steps are not atomic: a concurrent writer can observe the same next
// version, and a failure between the pointer delete and create leaves the
// translation without a current revision.
func (vc versionedContent) append(ctx context.Context, doc *DocumentRecord, tr *Translation, payload []byte, creator string) (*ContentRevision, error) {
	revs, err := vc.history(ctx, tr.ID)
	if err != nil {
		return nil, err
	}
	var version int64
	if last := latest(revs); last != nil {
		version = last.Version + 1
	}

	fields := map[string]any{
		fieldVersion:   version,
		fieldCreatedAt: vc.now().UTC().Format(time.RFC3339Nano),
		fieldCreator:   creator,
		fieldDocument:  doc.Name,
		fieldLanguage:  tr.Language,
	}
	if vc.blobs != nil {
		key := vc.keys.GenerateKey(uuid.New(), &objectkey.KeyMetadata{
			DocumentName: doc.Name,
			Language:     tr.Language,
			Version:      version,
			MimeType:     "application/octet-stream",
		})
		err := vc.blobs.UploadWithParams(ctx, bytes.NewReader(payload), UploadParams{
			ObjectKey: key,
			MimeType:  "application/octet-stream",
		})
		if err != nil {
			return nil, fmt.Errorf("upload payload: %w", err)
		}
		fields[fieldObjectKey] = key
	} else {
		fields[fieldPayload] = base64.StdEncoding.EncodeToString(payload)
	}

	rec, err := vc.graph.CreateRecord(ctx, CollectionRevisions, fields)
	if err != nil {
		return nil, err
	}
	if _, err := vc.graph.CreateRelationship(ctx, tr.ID, rec.ID, LabelHasContent, map[string]any{fieldVersion: version}); err != nil {
		return nil, err
	}
	if err := vc.setCurrent(ctx, tr.ID, rec.ID); err != nil {
		return nil, err
	}
	return revisionFromRecord(rec)
}

func (vc versionedContent) setCurrent(ctx context.Context, translationID, revisionID string) error {
	if _, err := vc.graph.DeleteRelationships(ctx, EdgeMatch{
		Node:      translationID,
		Direction: Outgoing,
		Label:     LabelCurrent,
	}); err != nil {
		return err
	}
	_, err := vc.graph.CreateRelationship(ctx, translationID, revisionID, LabelCurrent, nil)
	return err
}

// current follows the CURRENT pointer. A translation with history but no
// pointer, or with several pointers, yields *InconsistentStateError.
func (vc versionedContent) current(ctx context.Context, translationID string) (*ContentRevision, error) {
	rels, err := vc.graph.Related(ctx, EdgeMatch{
		Node:            translationID,
		Direction:       Outgoing,
		Label:           LabelCurrent,
		OtherCollection: CollectionRevisions,
	})
	if err != nil {
		return nil, err
	}
	if len(rels) == 1 {
		return revisionFromRecord(rels[0].Node)
	}

	revs, err := vc.history(ctx, translationID)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 && len(revs) == 0 {
		return nil, ErrNotFound
	}
	reason := "history without current pointer"
	if len(rels) > 1 {
		reason = fmt.Sprintf("%d current pointers", len(rels))
	}
	return nil, &InconsistentStateError{TranslationID: translationID, Reason: reason, Latest: latest(revs)}
}

// verify checks the history and pointer invariants of one translation.
func (vc versionedContent) verify(ctx context.Context, translationID string) error {
	revs, err := vc.history(ctx, translationID)
	if err != nil {
		return err
	}
	var problems []string
	var next int64
	for i, rev := range revs {
		if i > 0 && rev.Version == revs[i-1].Version {
			problems = append(problems, fmt.Sprintf("duplicate version %d", rev.Version))
			continue
		}
		if rev.Version != next {
			problems = append(problems, fmt.Sprintf("version gap before %d", rev.Version))
		}
		next = rev.Version + 1
	}

	var ise *InconsistentStateError
	cur, err := vc.current(ctx, translationID)
	switch {
	case err == nil:
		if last := latest(revs); last != nil && cur.Version != last.Version {
			problems = append(problems, fmt.Sprintf("current pointer at version %d, latest is %d", cur.Version, last.Version))
		}
	case errors.Is(err, ErrNotFound):
	case errors.As(err, &ise):
		problems = append(problems, ise.Reason)
	default:
		return err
	}

	if len(problems) == 0 {
		return nil
	}
	return &InconsistentStateError{
		TranslationID: translationID,
		Reason:        strings.Join(problems, "; "),
		Latest:        latest(revs),
	}
}

func (vc versionedContent) payload(ctx context.Context, rev *ContentRevision) ([]byte, error) {
	if rev.ObjectKey == "" {
		out := make([]byte, len(rev.inline))
		copy(out, rev.inline)
		return out, nil
	}
	if vc.blobs == nil {
		return nil, fmt.Errorf("revision %s is stored externally but no blob store is configured", rev.ID)
	}
	rc, err := vc.blobs.Download(ctx, rev.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("download payload: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
