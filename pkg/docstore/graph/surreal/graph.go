// Package surreal stores the document graph in SurrealDB. Each collection is
// a table, edges live in a single "edge" relation table carrying the label,
// and unique indexes are emulated with deterministic ids in "unique_key".
// Every query is parameterised; labels and values are never part of the
// query text.
package surreal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/constants"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

const (
	edgeTable      = "edge"
	uniqueKeyTable = "unique_key"
)

// Config holds the connection settings for SurrealDB
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Graph implements docstore.GraphBackend on SurrealDB
type Graph struct {
	db      *surrealdb.DB
	lastSeq atomic.Int64
}

var _ docstore.GraphBackend = (*Graph)(nil)

// Connect opens a connection, signs in when credentials are given and
// selects the namespace and database.
func Connect(ctx context.Context, cfg Config) (*Graph, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, docstore.Unavailable("surreal connect", err)
	}
	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}
	return New(db), nil
}

// New wraps an established connection
func New(db *surrealdb.DB) *Graph {
	return &Graph{db: db}
}

// Close closes the database connection
func (g *Graph) Close(ctx context.Context) error {
	return g.db.Close(ctx)
}

// Migrate defines the indexes used for edge traversal. Tables themselves are
// created implicitly on first insert.
func (g *Graph) Migrate(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, g.db, `
		DEFINE INDEX IF NOT EXISTS edge_in ON TABLE edge FIELDS in, label;
		DEFINE INDEX IF NOT EXISTS edge_out ON TABLE edge FIELDS out, label;`, nil)
	return wrapError("migrate", err)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, constants.ErrTimeout) || errors.As(err, &netErr) {
		return docstore.Unavailable("surreal "+op, err)
	}
	return fmt.Errorf("surreal %s: %w", op, err)
}

func recordID(id string) (models.RecordID, bool) {
	table, key, ok := strings.Cut(id, ":")
	if !ok || table == "" || key == "" {
		return models.RecordID{}, false
	}
	return models.NewRecordID(table, key), true
}

func idString(rid models.RecordID) string {
	return fmt.Sprintf("%s:%v", rid.Table, rid.ID)
}

type nodeRow struct {
	ID     models.RecordID `json:"id"`
	Fields map[string]any  `json:"fields"`
}

func (n nodeRow) record() *docstore.Record {
	fields := n.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &docstore.Record{ID: idString(n.ID), Collection: n.ID.Table, Fields: fields}
}

type uniqueRow struct {
	Node models.RecordID `json:"node"`
}

type edgeRow struct {
	ID         models.RecordID `json:"id"`
	In         models.RecordID `json:"in"`
	Out        models.RecordID `json:"out"`
	Label      string          `json:"label"`
	Properties map[string]any  `json:"properties"`
	Seq        int64           `json:"seq"`
	FarFields  map[string]any  `json:"far_fields"`
}

func first[T any](res *[]surrealdb.QueryResult[[]T]) []T {
	if res == nil || len(*res) == 0 {
		return nil
	}
	return (*res)[0].Result
}

func uniqueKeyID(collection, key string, value any) (models.RecordID, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return models.RecordID{}, fmt.Errorf("unique value: %w", err)
	}
	sum := sha256.Sum256([]byte(collection + "\x00" + key + "\x00" + string(raw)))
	return models.NewRecordID(uniqueKeyTable, hex.EncodeToString(sum[:])), nil
}

func (g *Graph) LookupUnique(ctx context.Context, collection, key string, value any) (*docstore.Record, bool, error) {
	uk, err := uniqueKeyID(collection, key, value)
	if err != nil {
		return nil, false, err
	}
	res, err := surrealdb.Query[[]nodeRow](ctx, g.db,
		`SELECT id, fields FROM (SELECT VALUE node FROM $uk)`, map[string]any{"uk": uk})
	if err != nil {
		return nil, false, wrapError("lookup unique", err)
	}
	rows := first(res)
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].record(), true, nil
}

// GetOrCreateByUniqueKey creates the record, then claims the unique key with
// a deterministic id. If the claim loses to a concurrent writer the new
// record is deleted and the winner returned.
func (g *Graph) GetOrCreateByUniqueKey(ctx context.Context, collection, key string, value any, defaults map[string]any) (*docstore.Record, bool, error) {
	if rec, found, err := g.LookupUnique(ctx, collection, key, value); err != nil || found {
		return rec, false, err
	}
	uk, err := uniqueKeyID(collection, key, value)
	if err != nil {
		return nil, false, err
	}

	fields := make(map[string]any, len(defaults)+1)
	for k, v := range defaults {
		fields[k] = v
	}
	fields[key] = value
	rec, err := g.CreateRecord(ctx, collection, fields)
	if err != nil {
		return nil, false, err
	}
	rid, _ := recordID(rec.ID)

	_, err = surrealdb.Query[any](ctx, g.db, `CREATE $uk CONTENT { node: $node }`,
		map[string]any{"uk": uk, "node": rid})
	if err == nil {
		return rec, true, nil
	}
	if !strings.Contains(err.Error(), "already exists") {
		return nil, false, wrapError("claim unique key", err)
	}

	if _, delErr := surrealdb.Query[any](ctx, g.db, `DELETE $node`, map[string]any{"node": rid}); delErr != nil {
		return nil, false, wrapError("discard duplicate record", delErr)
	}
	winner, found, err := g.LookupUnique(ctx, collection, key, value)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("unique key %s.%s: %w", collection, key, docstore.ErrDuplicateKey)
	}
	return winner, false, nil
}

func (g *Graph) GetRecord(ctx context.Context, id string) (*docstore.Record, error) {
	rid, ok := recordID(id)
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, docstore.ErrNotFound)
	}
	res, err := surrealdb.Query[[]nodeRow](ctx, g.db, `SELECT id, fields FROM $rid`, map[string]any{"rid": rid})
	if err != nil {
		return nil, wrapError("get record", err)
	}
	rows := first(res)
	if len(rows) == 0 {
		return nil, fmt.Errorf("record %s: %w", id, docstore.ErrNotFound)
	}
	return rows[0].record(), nil
}

func (g *Graph) CreateRecord(ctx context.Context, collection string, fields map[string]any) (*docstore.Record, error) {
	rid := models.NewRecordID(collection, uuid.NewString())
	content := make(map[string]any, len(fields))
	for k, v := range fields {
		content[k] = v
	}
	if _, err := surrealdb.Query[any](ctx, g.db, `CREATE $rid CONTENT { fields: $fields }`,
		map[string]any{"rid": rid, "fields": content}); err != nil {
		return nil, wrapError("create record", err)
	}
	return &docstore.Record{ID: idString(rid), Collection: collection, Fields: content}, nil
}

// nextSeq returns a per-process strictly increasing edge sequence number
func (g *Graph) nextSeq() int64 {
	for {
		last := g.lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if g.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (g *Graph) CreateRelationship(ctx context.Context, from, to, label string, properties map[string]any) (*docstore.Edge, error) {
	fromID, ok := recordID(from)
	if !ok {
		return nil, fmt.Errorf("edge source %s: %w", from, docstore.ErrNotFound)
	}
	toID, ok := recordID(to)
	if !ok {
		return nil, fmt.Errorf("edge target %s: %w", to, docstore.ErrNotFound)
	}
	if properties == nil {
		properties = map[string]any{}
	}
	res, err := surrealdb.Query[[]edgeRow](ctx, g.db, `
		IF array::len((SELECT id FROM $from)) = 0 OR array::len((SELECT id FROM $to)) = 0 {
			THROW "edge endpoint not found";
		};
		RELATE $from->edge->$to CONTENT { label: $label, properties: $props, seq: $seq };`,
		map[string]any{
			"from":  fromID,
			"to":    toID,
			"label": label,
			"props": properties,
			"seq":   g.nextSeq(),
		})
	if err != nil {
		if strings.Contains(err.Error(), "edge endpoint not found") {
			return nil, fmt.Errorf("edge %s->%s: %w", from, to, docstore.ErrNotFound)
		}
		return nil, wrapError("create relationship", err)
	}
	var rows []edgeRow
	if res != nil && len(*res) > 0 {
		rows = (*res)[len(*res)-1].Result
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("surreal create relationship: no edge returned")
	}
	return &docstore.Edge{ID: idString(rows[0].ID), From: from, To: to, Label: label, Properties: properties}, nil
}

const (
	outgoingQuery = `SELECT id, in, out, label, properties, seq, out.fields AS far_fields
		FROM edge WHERE in = $node AND ($label = "" OR label = $label) ORDER BY seq`
	incomingQuery = `SELECT id, in, out, label, properties, seq, in.fields AS far_fields
		FROM edge WHERE out = $node AND ($label = "" OR label = $label) ORDER BY seq`
)

// Related selects edges by anchor and label on the server and applies the
// far-node filters in process.
func (g *Graph) Related(ctx context.Context, match docstore.EdgeMatch) ([]docstore.Relation, error) {
	node, ok := recordID(match.Node)
	if !ok {
		return nil, nil
	}
	query := outgoingQuery
	if match.Direction == docstore.Incoming {
		query = incomingQuery
	}
	res, err := surrealdb.Query[[]edgeRow](ctx, g.db, query, map[string]any{"node": node, "label": match.Label})
	if err != nil {
		return nil, wrapError("related", err)
	}

	var out []docstore.Relation
	for _, row := range first(res) {
		far := row.Out
		if match.Direction == docstore.Incoming {
			far = row.In
		}
		farID := idString(far)
		if match.Other != "" && farID != match.Other {
			continue
		}
		if match.OtherCollection != "" && far.Table != match.OtherCollection {
			continue
		}
		if !fieldsMatch(row.FarFields, match.Where) {
			continue
		}
		props := row.Properties
		if props == nil {
			props = map[string]any{}
		}
		fields := row.FarFields
		if fields == nil {
			fields = map[string]any{}
		}
		out = append(out, docstore.Relation{
			Edge: &docstore.Edge{
				ID:         idString(row.ID),
				From:       idString(row.In),
				To:         idString(row.Out),
				Label:      row.Label,
				Properties: props,
			},
			Node: &docstore.Record{ID: farID, Collection: far.Table, Fields: fields},
		})
	}
	return out, nil
}

func fieldsMatch(fields, where map[string]any) bool {
	for k, want := range where {
		got, ok := fields[k]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

// equalValues compares scalars, treating every numeric kind as one. CBOR
// decoding does not preserve the Go integer width of stored values.
func equalValues(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// DeleteRelationships resolves the matching edges first and then deletes
// them by id.
func (g *Graph) DeleteRelationships(ctx context.Context, match docstore.EdgeMatch) (int, error) {
	rels, err := g.Related(ctx, match)
	if err != nil || len(rels) == 0 {
		return 0, err
	}
	ids := make([]models.RecordID, 0, len(rels))
	for _, rel := range rels {
		rid, _ := recordID(rel.Edge.ID)
		ids = append(ids, rid)
	}
	if _, err := surrealdb.Query[any](ctx, g.db, `DELETE $ids`, map[string]any{"ids": ids}); err != nil {
		return 0, wrapError("delete relationships", err)
	}
	return len(rels), nil
}
