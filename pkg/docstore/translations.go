package docstore

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage validates a BCP 47 language code and returns it in the
// stored upper-case form, e.g. "en-us" becomes "EN-US".
func NormalizeLanguage(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLanguage)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidLanguage, code, err)
	}
	return strings.ToUpper(tag.String()), nil
}

// translationIndex resolves and creates the per-language subtree of a
// document. Translation edges are labelled by language code.
type translationIndex struct {
	graph GraphBackend
}

func (ti translationIndex) lookup(ctx context.Context, documentID, lang string) (*Translation, bool, error) {
	rels, err := ti.graph.Related(ctx, EdgeMatch{
		Node:            documentID,
		Direction:       Outgoing,
		Label:           lang,
		OtherCollection: CollectionTranslations,
	})
	if err != nil {
		return nil, false, err
	}
	if len(rels) == 0 {
		return nil, false, nil
	}
	return translationFromRecord(rels[0].Node), true, nil
}

func (ti translationIndex) create(ctx context.Context, doc *DocumentRecord, lang string) (*Translation, error) {
	rec, err := ti.graph.CreateRecord(ctx, CollectionTranslations, map[string]any{
		fieldLanguage: lang,
		fieldDocument: doc.Name,
	})
	if err != nil {
		return nil, err
	}
	if _, err := ti.graph.CreateRelationship(ctx, doc.ID, rec.ID, lang, nil); err != nil {
		return nil, err
	}
	return translationFromRecord(rec), nil
}

func (ti translationIndex) languages(ctx context.Context, documentID string) ([]string, error) {
	rels, err := ti.graph.Related(ctx, EdgeMatch{
		Node:            documentID,
		Direction:       Outgoing,
		OtherCollection: CollectionTranslations,
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rels))
	langs := make([]string, 0, len(rels))
	for _, rel := range rels {
		if _, ok := seen[rel.Edge.Label]; ok {
			continue
		}
		seen[rel.Edge.Label] = struct{}{}
		langs = append(langs, rel.Edge.Label)
	}
	return langs, nil
}
