package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// Graph implements docstore.GraphBackend using in-memory storage
type Graph struct {
	mu      sync.RWMutex
	records map[string]*docstore.Record
	unique  map[string]string // "collection\x00key\x00value" -> record id
	edges   []*docstore.Edge  // creation order
}

// New creates a new in-memory graph
func New() *Graph {
	return &Graph{
		records: make(map[string]*docstore.Record),
		unique:  make(map[string]string),
	}
}

var _ docstore.GraphBackend = (*Graph)(nil)

func uniqueIndexKey(collection, key string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("unique value: %w", err)
	}
	return collection + "\x00" + key + "\x00" + string(raw), nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func copyRecord(r *docstore.Record) *docstore.Record {
	return &docstore.Record{ID: r.ID, Collection: r.Collection, Fields: copyFields(r.Fields)}
}

func copyEdge(e *docstore.Edge) *docstore.Edge {
	c := *e
	c.Properties = copyFields(e.Properties)
	return &c
}

func (g *Graph) GetOrCreateByUniqueKey(ctx context.Context, collection, key string, value any, defaults map[string]any) (*docstore.Record, bool, error) {
	idx, err := uniqueIndexKey(collection, key, value)
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.unique[idx]; ok {
		return copyRecord(g.records[id]), false, nil
	}
	fields := copyFields(defaults)
	fields[key] = value
	rec := g.insert(collection, fields)
	g.unique[idx] = rec.ID
	return copyRecord(rec), true, nil
}

func (g *Graph) LookupUnique(ctx context.Context, collection, key string, value any) (*docstore.Record, bool, error) {
	idx, err := uniqueIndexKey(collection, key, value)
	if err != nil {
		return nil, false, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.unique[idx]
	if !ok {
		return nil, false, nil
	}
	return copyRecord(g.records[id]), true, nil
}

func (g *Graph) GetRecord(ctx context.Context, id string) (*docstore.Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (g *Graph) CreateRecord(ctx context.Context, collection string, fields map[string]any) (*docstore.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return copyRecord(g.insert(collection, copyFields(fields))), nil
}

func (g *Graph) insert(collection string, fields map[string]any) *docstore.Record {
	rec := &docstore.Record{ID: uuid.NewString(), Collection: collection, Fields: fields}
	g.records[rec.ID] = rec
	return rec
}

func (g *Graph) CreateRelationship(ctx context.Context, from, to, label string, properties map[string]any) (*docstore.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records[from]; !ok {
		return nil, fmt.Errorf("edge source %s: %w", from, docstore.ErrNotFound)
	}
	if _, ok := g.records[to]; !ok {
		return nil, fmt.Errorf("edge target %s: %w", to, docstore.ErrNotFound)
	}
	e := &docstore.Edge{
		ID:         uuid.NewString(),
		From:       from,
		To:         to,
		Label:      label,
		Properties: copyFields(properties),
	}
	g.edges = append(g.edges, e)
	return copyEdge(e), nil
}

func (g *Graph) DeleteRelationships(ctx context.Context, match docstore.EdgeMatch) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.edges[:0]
	removed := 0
	for _, e := range g.edges {
		if g.matches(match, e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(g.edges); i++ {
		g.edges[i] = nil
	}
	g.edges = kept
	return removed, nil
}

func (g *Graph) Related(ctx context.Context, match docstore.EdgeMatch) ([]docstore.Relation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []docstore.Relation
	for _, e := range g.edges {
		if !g.matches(match, e) {
			continue
		}
		out = append(out, docstore.Relation{
			Edge: copyEdge(e),
			Node: copyRecord(g.records[match.FarID(e)]),
		})
	}
	return out, nil
}

// matches must be called with the lock held
func (g *Graph) matches(m docstore.EdgeMatch, e *docstore.Edge) bool {
	if m.AnchorID(e) != m.Node {
		return false
	}
	if m.Label != "" && e.Label != m.Label {
		return false
	}
	far := m.FarID(e)
	if m.Other != "" && far != m.Other {
		return false
	}
	node, ok := g.records[far]
	if !ok {
		return false
	}
	if m.OtherCollection != "" && node.Collection != m.OtherCollection {
		return false
	}
	for k, want := range m.Where {
		if !equalValues(node.Fields[k], want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
