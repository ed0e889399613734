package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Graph implements docstore.GraphBackend on PostgreSQL. Records live in
// graph_nodes with JSONB fields, edges in graph_edges ordered by seq.
type Graph struct {
	db DBTX
}

// New creates a new PostgreSQL graph
func New(db DBTX) *Graph {
	return &Graph{db: db}
}

// NewWithPool creates a new PostgreSQL graph with connection pool
func NewWithPool(pool *pgxpool.Pool) *Graph {
	return &Graph{db: pool}
}

var _ docstore.GraphBackend = (*Graph)(nil)

// Migrate creates the graph tables when they do not exist
func (g *Graph) Migrate(ctx context.Context) error {
	if _, err := g.db.Exec(ctx, schema); err != nil {
		return handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", operation, docstore.ErrDuplicateKey)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: referenced record: %w", operation, docstore.ErrNotFound)
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - database migration required", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", operation, docstore.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return docstore.Unavailable(operation, err)
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func scanRecord(row pgx.Row) (*docstore.Record, error) {
	var rec docstore.Record
	var raw []byte
	if err := row.Scan(&rec.ID, &rec.Collection, &raw); err != nil {
		return nil, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("record %s fields: %w", rec.ID, err)
	}
	rec.Fields = fields
	return &rec, nil
}

const lookupUniqueQuery = `
	SELECT n.id, n.collection, n.fields
	FROM graph_unique_keys u JOIN graph_nodes n ON n.id = u.node_id
	WHERE u.collection = $1 AND u.key = $2 AND u.value = $3`

func (g *Graph) LookupUnique(ctx context.Context, collection, key string, value any) (*docstore.Record, bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("unique value: %w", err)
	}
	rec, err := scanRecord(g.db.QueryRow(ctx, lookupUniqueQuery, collection, key, raw))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, handlePostgresError("lookup unique", err)
	}
	return rec, true, nil
}

// GetOrCreateByUniqueKey inserts the record and its unique key in one
// transaction. When another writer claims the key first, the transaction is
// rolled back and the winner's record is returned.
func (g *Graph) GetOrCreateByUniqueKey(ctx context.Context, collection, key string, value any, defaults map[string]any) (*docstore.Record, bool, error) {
	if rec, found, err := g.LookupUnique(ctx, collection, key, value); err != nil || found {
		return rec, false, err
	}

	fields := make(map[string]any, len(defaults)+1)
	for k, v := range defaults {
		fields[k] = v
	}
	fields[key] = value
	rawFields, err := encodeJSON(fields)
	if err != nil {
		return nil, false, fmt.Errorf("record fields: %w", err)
	}
	rawValue, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("unique value: %w", err)
	}

	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, false, handlePostgresError("begin", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.NewString()
	if _, err := tx.Exec(ctx,
		`INSERT INTO graph_nodes (id, collection, fields) VALUES ($1, $2, $3)`,
		id, collection, rawFields); err != nil {
		return nil, false, handlePostgresError("create record", err)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO graph_unique_keys (collection, key, value, node_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, key, value) DO NOTHING`,
		collection, key, rawValue, id)
	if err != nil {
		return nil, false, handlePostgresError("claim unique key", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, handlePostgresError("rollback", err)
		}
		rec, found, err := g.LookupUnique(ctx, collection, key, value)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("unique key %s.%s vanished after conflict", collection, key)
		}
		return rec, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, handlePostgresError("commit", err)
	}
	return &docstore.Record{ID: id, Collection: collection, Fields: fields}, true, nil
}

func (g *Graph) GetRecord(ctx context.Context, id string) (*docstore.Record, error) {
	rec, err := scanRecord(g.db.QueryRow(ctx,
		`SELECT id, collection, fields FROM graph_nodes WHERE id = $1`, id))
	if err != nil {
		return nil, handlePostgresError("get record", err)
	}
	return rec, nil
}

func (g *Graph) CreateRecord(ctx context.Context, collection string, fields map[string]any) (*docstore.Record, error) {
	raw, err := encodeJSON(fields)
	if err != nil {
		return nil, fmt.Errorf("record fields: %w", err)
	}
	id := uuid.NewString()
	if _, err := g.db.Exec(ctx,
		`INSERT INTO graph_nodes (id, collection, fields) VALUES ($1, $2, $3)`,
		id, collection, raw); err != nil {
		return nil, handlePostgresError("create record", err)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &docstore.Record{ID: id, Collection: collection, Fields: copied}, nil
}

func (g *Graph) CreateRelationship(ctx context.Context, from, to, label string, properties map[string]any) (*docstore.Edge, error) {
	raw, err := encodeJSON(properties)
	if err != nil {
		return nil, fmt.Errorf("edge properties: %w", err)
	}
	id := uuid.NewString()
	if _, err := g.db.Exec(ctx,
		`INSERT INTO graph_edges (id, from_id, to_id, label, properties) VALUES ($1, $2, $3, $4, $5)`,
		id, from, to, label, raw); err != nil {
		return nil, handlePostgresError("create relationship", err)
	}
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	return &docstore.Edge{ID: id, From: from, To: to, Label: label, Properties: props}, nil
}

// edgeFilter renders the WHERE clause for match. Column names come from a
// fixed set; every match value is bound as a parameter.
func edgeFilter(match docstore.EdgeMatch) (string, []any, error) {
	anchor, far := "e.from_id", "e.to_id"
	if match.Direction == docstore.Incoming {
		anchor, far = far, anchor
	}

	args := []any{match.Node}
	conds := []string{anchor + " = $1", "n.id = " + far}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if match.Label != "" {
		add("e.label = $%d", match.Label)
	}
	if match.Other != "" {
		add("n.id = $%d", match.Other)
	}
	if match.OtherCollection != "" {
		add("n.collection = $%d", match.OtherCollection)
	}
	if len(match.Where) > 0 {
		raw, err := json.Marshal(match.Where)
		if err != nil {
			return "", nil, fmt.Errorf("edge predicate: %w", err)
		}
		add("n.fields @> $%d", raw)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (g *Graph) Related(ctx context.Context, match docstore.EdgeMatch) ([]docstore.Relation, error) {
	where, args, err := edgeFilter(match)
	if err != nil {
		return nil, err
	}
	rows, err := g.db.Query(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.label, e.properties, n.id, n.collection, n.fields
		FROM graph_edges e, graph_nodes n
		WHERE `+where+`
		ORDER BY e.seq`, args...)
	if err != nil {
		return nil, handlePostgresError("related", err)
	}
	defer rows.Close()

	var out []docstore.Relation
	for rows.Next() {
		var e docstore.Edge
		var n docstore.Record
		var rawProps, rawFields []byte
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Label, &rawProps, &n.ID, &n.Collection, &rawFields); err != nil {
			return nil, handlePostgresError("related scan", err)
		}
		if e.Properties, err = decodeFields(rawProps); err != nil {
			return nil, fmt.Errorf("edge %s properties: %w", e.ID, err)
		}
		if n.Fields, err = decodeFields(rawFields); err != nil {
			return nil, fmt.Errorf("record %s fields: %w", n.ID, err)
		}
		out = append(out, docstore.Relation{Edge: &e, Node: &n})
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("related rows", err)
	}
	return out, nil
}

func (g *Graph) DeleteRelationships(ctx context.Context, match docstore.EdgeMatch) (int, error) {
	where, args, err := edgeFilter(match)
	if err != nil {
		return 0, err
	}
	tag, err := g.db.Exec(ctx, `DELETE FROM graph_edges e USING graph_nodes n WHERE `+where, args...)
	if err != nil {
		return 0, handlePostgresError("delete relationships", err)
	}
	return int(tag.RowsAffected()), nil
}
