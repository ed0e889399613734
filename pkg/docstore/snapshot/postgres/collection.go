// Package postgres stores snapshots as JSONB documents in PostgreSQL.
// Filters become containment tests (@>) against the document, so every
// value travels as a query parameter.
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
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Collection implements snapshot.Collection on PostgreSQL
type Collection struct {
	db DBTX
}

var _ snapshot.Collection = (*Collection)(nil)

// New creates a new PostgreSQL collection
func New(db DBTX) *Collection {
	return &Collection{db: db}
}

// NewWithPool creates a new PostgreSQL collection with connection pool
func NewWithPool(pool *pgxpool.Pool) *Collection {
	return &Collection{db: pool}
}

// Migrate creates the snapshot tables when they do not exist
func (c *Collection) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, schema); err != nil {
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
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - database migration required", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return docstore.Unavailable(operation, err)
}

// nest wraps value in objects along path: a.b -> {"a":{"b":value}}
func nest(path []string, value any) map[string]any {
	out := map[string]any{path[len(path)-1]: value}
	for i := len(path) - 2; i >= 0; i-- {
		out = map[string]any{path[i]: out}
	}
	return out
}

type whereBuilder struct {
	args []any
}

func (b *whereBuilder) param(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", docstore.ErrInvalidValue, err)
	}
	b.args = append(b.args, raw)
	return fmt.Sprintf("$%d", len(b.args)), nil
}

// member matches field == v, or v inside an array field
func (b *whereBuilder) member(path []string, v any) (string, error) {
	scalar, err := b.param(nest(path, v))
	if err != nil {
		return "", err
	}
	array, err := b.param(nest(path, []any{v}))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(doc @> %s OR doc @> %s)", scalar, array), nil
}

// buildWhere renders f as a WHERE clause body. Placeholders are numbered
// after any args already collected.
func buildWhere(f snapshot.Filter, args []any) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	b := &whereBuilder{args: args}
	clauses := make([]string, 0, len(f))
	for _, c := range f {
		path := strings.Split(c.Field, ".")
		switch c.Op {
		case snapshot.OpEq:
			clause, err := b.member(path, c.Values[0])
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, clause)
		case snapshot.OpIn:
			if len(c.Values) == 0 {
				clauses = append(clauses, "FALSE")
				continue
			}
			alts := make([]string, 0, len(c.Values))
			for _, v := range c.Values {
				alt, err := b.member(path, v)
				if err != nil {
					return "", nil, err
				}
				alts = append(alts, alt)
			}
			clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
		case snapshot.OpAll:
			values := c.Values
			if values == nil {
				values = []any{}
			}
			p, err := b.param(nest(path, values))
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, fmt.Sprintf("jsonb_typeof(doc #> %s) = 'array' AND doc @> %s", b.path(path), p))
		default:
			return "", nil, fmt.Errorf("%w: unsupported operator %s", docstore.ErrInvalidValue, c.Op)
		}
	}
	if len(clauses) == 0 {
		return "TRUE", b.args, nil
	}
	return strings.Join(clauses, " AND "), b.args, nil
}

func (b *whereBuilder) path(path []string) string {
	b.args = append(b.args, path)
	return fmt.Sprintf("$%d::text[]", len(b.args))
}

func buildOrder(sort []snapshot.SortField, args []any) (string, []any) {
	b := &whereBuilder{args: args}
	terms := make([]string, 0, len(sort)+1)
	for _, s := range sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		terms = append(terms, fmt.Sprintf("doc #> %s %s", b.path(strings.Split(s.Field, ".")), dir))
	}
	terms = append(terms, "seq ASC")
	return strings.Join(terms, ", "), b.args
}

func (c *Collection) selectQuery(filter snapshot.Filter, sort []snapshot.SortField, limit int) (string, []any, error) {
	where, args, err := buildWhere(filter, nil)
	if err != nil {
		return "", nil, err
	}
	order, args := buildOrder(sort, args)
	query := fmt.Sprintf("SELECT id::text, doc FROM snapshot_docs WHERE %s ORDER BY %s", where, order)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query, args, nil
}

type storedDoc struct {
	Content  map[string]any    `json:"content"`
	Metadata snapshot.Metadata `json:"metadata"`
}

func decodeSnapshot(id string, raw []byte) (*snapshot.Snapshot, error) {
	var doc storedDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	content, _ := numbers(doc.Content).(map[string]any)
	if doc.Metadata.Groups == nil {
		doc.Metadata.Groups = []string{}
	}
	return &snapshot.Snapshot{ID: id, Content: content, Metadata: doc.Metadata}, nil
}

// numbers replaces json.Number with int64 or float64
func numbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			x[k] = numbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = numbers(item)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	}
	return v
}

func (c *Collection) InsertOne(ctx context.Context, s *snapshot.Snapshot) (string, error) {
	raw, err := json.Marshal(storedDoc{Content: s.Content, Metadata: s.Metadata})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	id := uuid.New()
	if _, err := c.db.Exec(ctx, `INSERT INTO snapshot_docs (id, doc) VALUES ($1, $2)`, id, raw); err != nil {
		return "", handlePostgresError("insert snapshot", err)
	}
	return id.String(), nil
}

func (c *Collection) FindOne(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (*snapshot.Snapshot, bool, error) {
	query, args, err := c.selectQuery(filter, sort, 1)
	if err != nil {
		return nil, false, err
	}
	var id string
	var raw []byte
	err = c.db.QueryRow(ctx, query, args...).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, handlePostgresError("find snapshot", err)
	}
	s, err := decodeSnapshot(id, raw)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (c *Collection) FindMany(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (snapshot.Cursor, error) {
	query, args, err := c.selectQuery(filter, sort, 0)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, handlePostgresError("find snapshots", err)
	}
	return &cursor{rows: rows}, nil
}

// buildSet chains jsonb_set calls, one per patched path.
func buildSet(patch snapshot.Patch) (string, []any, error) {
	expr := "doc"
	var args []any
	for _, path := range patch.Paths() {
		if path == "" {
			return "", nil, fmt.Errorf("%w: empty field path", docstore.ErrInvalidValue)
		}
		raw, err := json.Marshal(patch[path])
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", docstore.ErrInvalidValue, err)
		}
		args = append(args, strings.Split(path, "."), raw)
		expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], $%d::jsonb, true)", expr, len(args)-1, len(args))
	}
	return expr, args, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter snapshot.Filter, patch snapshot.Patch) (int64, error) {
	set, args, err := buildSet(patch)
	if err != nil {
		return 0, err
	}
	where, args, err := buildWhere(filter, args)
	if err != nil {
		return 0, err
	}
	tag, err := c.db.Exec(ctx, fmt.Sprintf("UPDATE snapshot_docs SET doc = %s WHERE %s", set, where), args...)
	if err != nil {
		return 0, handlePostgresError("update snapshots", err)
	}
	return tag.RowsAffected(), nil
}

func (c *Collection) FindUser(ctx context.Context, username string) (*snapshot.User, bool, error) {
	var u snapshot.User
	var raw []byte
	err := c.db.QueryRow(ctx,
		`SELECT id::text, username, groups FROM snapshot_users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, handlePostgresError("find user", err)
	}
	if err := json.Unmarshal(raw, &u.Groups); err != nil {
		return nil, false, fmt.Errorf("decode groups of %s: %w", username, err)
	}
	if u.Groups == nil {
		u.Groups = []snapshot.GroupGrant{}
	}
	return &u, true, nil
}

func encodeGroups(groups []snapshot.GroupGrant) ([]byte, error) {
	if groups == nil {
		groups = []snapshot.GroupGrant{}
	}
	return json.Marshal(groups)
}

func (c *Collection) InsertUser(ctx context.Context, u *snapshot.User) (string, error) {
	raw, err := encodeGroups(u.Groups)
	if err != nil {
		return "", err
	}
	id := uuid.New()
	if _, err := c.db.Exec(ctx,
		`INSERT INTO snapshot_users (id, username, groups) VALUES ($1, $2, $3)`, id, u.Username, raw); err != nil {
		return "", handlePostgresError("insert user", err)
	}
	return id.String(), nil
}

func (c *Collection) UpdateUserGroups(ctx context.Context, username string, groups []snapshot.GroupGrant) (int64, error) {
	raw, err := encodeGroups(groups)
	if err != nil {
		return 0, err
	}
	tag, err := c.db.Exec(ctx, `UPDATE snapshot_users SET groups = $2 WHERE username = $1`, username, raw)
	if err != nil {
		return 0, handlePostgresError("update user", err)
	}
	return tag.RowsAffected(), nil
}

type cursor struct {
	rows pgx.Rows
	err  error
}

func (c *cursor) Next(ctx context.Context) bool {
	return c.err == nil && c.rows.Next()
}

func (c *cursor) Snapshot() (*snapshot.Snapshot, error) {
	var id string
	var raw []byte
	if err := c.rows.Scan(&id, &raw); err != nil {
		c.err = handlePostgresError("scan snapshot", err)
		return nil, c.err
	}
	s, err := decodeSnapshot(id, raw)
	if err != nil {
		c.err = err
	}
	return s, err
}

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return handlePostgresError("iterate snapshots", err)
	}
	return nil
}

func (c *cursor) Close(ctx context.Context) error {
	c.rows.Close()
	return nil
}
