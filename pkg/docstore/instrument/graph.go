package instrument

import (
	"context"
	"time"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

type graph struct {
	next    docstore.GraphBackend
	metrics *Metrics
	backend string
}

// Graph wraps next so every call is counted and timed under the backend
// label.
func (m *Metrics) Graph(next docstore.GraphBackend, backend string) docstore.GraphBackend {
	return &graph{next: next, metrics: m, backend: backend}
}

func (g *graph) GetOrCreateByUniqueKey(ctx context.Context, collection, key string, value any, defaults map[string]any) (rec *docstore.Record, created bool, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "get_or_create", start, err) }(time.Now())
	return g.next.GetOrCreateByUniqueKey(ctx, collection, key, value, defaults)
}

func (g *graph) LookupUnique(ctx context.Context, collection, key string, value any) (rec *docstore.Record, found bool, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "lookup_unique", start, err) }(time.Now())
	return g.next.LookupUnique(ctx, collection, key, value)
}

func (g *graph) GetRecord(ctx context.Context, id string) (rec *docstore.Record, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "get_record", start, err) }(time.Now())
	return g.next.GetRecord(ctx, id)
}

func (g *graph) CreateRecord(ctx context.Context, collection string, fields map[string]any) (rec *docstore.Record, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "create_record", start, err) }(time.Now())
	return g.next.CreateRecord(ctx, collection, fields)
}

func (g *graph) CreateRelationship(ctx context.Context, from, to, label string, properties map[string]any) (edge *docstore.Edge, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "create_relationship", start, err) }(time.Now())
	return g.next.CreateRelationship(ctx, from, to, label, properties)
}

func (g *graph) DeleteRelationships(ctx context.Context, match docstore.EdgeMatch) (n int, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "delete_relationships", start, err) }(time.Now())
	return g.next.DeleteRelationships(ctx, match)
}

func (g *graph) Related(ctx context.Context, match docstore.EdgeMatch) (rels []docstore.Relation, err error) {
	defer func(start time.Time) { g.metrics.observe(g.backend, "related", start, err) }(time.Now())
	return g.next.Related(ctx, match)
}
