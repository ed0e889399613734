// Package mongo stores snapshots and users in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

// Default collection names
const (
	DefaultNodesCollection   = "cms.nodes"
	DefaultContextCollection = "cms.context"
)

// Config selects the database and collections
type Config struct {
	URI      string
	Database string
	Nodes    string
	Context  string
	Timeout  time.Duration
}

// Collection implements snapshot.Collection on two MongoDB collections:
// one for snapshots and one for users.
type Collection struct {
	nodes *mongo.Collection
	users *mongo.Collection
}

var _ snapshot.Collection = (*Collection)(nil)

// Connect dials MongoDB and returns the collection along with the client so
// the caller can disconnect it.
func Connect(ctx context.Context, cfg Config) (*Collection, *mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, docstore.Unavailable("mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, docstore.Unavailable("mongo ping", err)
	}
	return New(client.Database(cfg.Database), cfg.Nodes, cfg.Context), client, nil
}

// New uses the named collections of db. Empty names fall back to the
// defaults.
func New(db *mongo.Database, nodes, users string) *Collection {
	if nodes == "" {
		nodes = DefaultNodesCollection
	}
	if users == "" {
		users = DefaultContextCollection
	}
	return &Collection{nodes: db.Collection(nodes), users: db.Collection(users)}
}

// EnsureIndexes creates the lookup index on (uri, active) and the unique
// username index.
func (c *Collection) EnsureIndexes(ctx context.Context) error {
	_, err := c.nodes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: snapshot.FieldURI, Value: 1}, {Key: snapshot.FieldActive, Value: 1}}},
		{Keys: bson.D{{Key: snapshot.FieldURI, Value: 1}, {Key: snapshot.FieldLanguage, Value: 1}, {Key: snapshot.FieldVersion, Value: -1}}},
	})
	if err != nil {
		return wrapError("create node indexes", err)
	}
	_, err = c.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return wrapError("create user index", err)
}

func wrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w: %w", op, docstore.ErrDuplicateKey, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return docstore.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// toBSON translates a filter into a query document. Values are always
// operands, never keys.
func toBSON(f snapshot.Filter) (bson.D, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	clauses := make(bson.A, 0, len(f))
	for _, c := range f {
		var clause bson.D
		switch c.Op {
		case snapshot.OpEq:
			clause = bson.D{{Key: c.Field, Value: bson.D{{Key: "$eq", Value: c.Values[0]}}}}
		case snapshot.OpIn:
			clause = bson.D{{Key: c.Field, Value: bson.D{{Key: "$in", Value: values(c.Values)}}}}
		case snapshot.OpAll:
			clause = bson.D{{Key: c.Field, Value: bson.D{{Key: "$all", Value: values(c.Values)}}}}
		default:
			return nil, fmt.Errorf("%w: unsupported operator %s", docstore.ErrInvalidValue, c.Op)
		}
		clauses = append(clauses, clause)
	}
	switch len(clauses) {
	case 0:
		return bson.D{}, nil
	case 1:
		return clauses[0].(bson.D), nil
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

func values(vs []any) bson.A {
	out := make(bson.A, len(vs))
	copy(out, vs)
	return out
}

func toSort(sort []snapshot.SortField) bson.D {
	out := make(bson.D, 0, len(sort)+1)
	for _, s := range sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: s.Field, Value: dir})
	}
	return append(out, bson.E{Key: "_id", Value: 1})
}

type nodeDoc struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Content  bson.M             `bson:"content"`
	Metadata snapshot.Metadata  `bson:"metadata"`
}

func (d *nodeDoc) snapshot() *snapshot.Snapshot {
	content, _ := plain(d.Content).(map[string]any)
	meta := d.Metadata
	meta.CreateDate = meta.CreateDate.UTC()
	if meta.Groups == nil {
		meta.Groups = []string{}
	}
	return &snapshot.Snapshot{ID: d.ID.Hex(), Content: content, Metadata: meta}
}

// plain converts decoded BSON containers into the map and slice types used
// by the rest of the package.
func plain(v any) any {
	switch x := v.(type) {
	case bson.M:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = plain(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	case int32:
		return int64(x)
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.ObjectID:
		return x.Hex()
	}
	return v
}

func (c *Collection) InsertOne(ctx context.Context, s *snapshot.Snapshot) (string, error) {
	doc := nodeDoc{Content: bson.M(s.Content), Metadata: s.Metadata}
	if doc.Content == nil {
		doc.Content = bson.M{}
	}
	res, err := c.nodes.InsertOne(ctx, doc)
	if err != nil {
		return "", wrapError("insert snapshot", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprint(res.InsertedID), nil
}

func (c *Collection) FindOne(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (*snapshot.Snapshot, bool, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, false, err
	}
	var doc nodeDoc
	err = c.nodes.FindOne(ctx, q, options.FindOne().SetSort(toSort(sort))).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("find snapshot", err)
	}
	return doc.snapshot(), true, nil
}

func (c *Collection) FindMany(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (snapshot.Cursor, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}
	cur, err := c.nodes.Find(ctx, q, options.Find().SetSort(toSort(sort)))
	if err != nil {
		return nil, wrapError("find snapshots", err)
	}
	return &cursor{cur: cur}, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter snapshot.Filter, patch snapshot.Patch) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	set := bson.D{}
	for _, path := range patch.Paths() {
		set = append(set, bson.E{Key: path, Value: patch[path]})
	}
	res, err := c.nodes.UpdateMany(ctx, q, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return 0, wrapError("update snapshots", err)
	}
	return res.MatchedCount, nil
}

type userDoc struct {
	ID       primitive.ObjectID    `bson:"_id,omitempty"`
	Username string                `bson:"username"`
	Groups   []snapshot.GroupGrant `bson:"groups"`
}

func (c *Collection) FindUser(ctx context.Context, username string) (*snapshot.User, bool, error) {
	var doc userDoc
	err := c.users.FindOne(ctx, bson.D{{Key: "username", Value: bson.D{{Key: "$eq", Value: username}}}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("find user", err)
	}
	groups := doc.Groups
	if groups == nil {
		groups = []snapshot.GroupGrant{}
	}
	return &snapshot.User{ID: doc.ID.Hex(), Username: doc.Username, Groups: groups}, true, nil
}

func (c *Collection) InsertUser(ctx context.Context, u *snapshot.User) (string, error) {
	groups := u.Groups
	if groups == nil {
		groups = []snapshot.GroupGrant{}
	}
	res, err := c.users.InsertOne(ctx, userDoc{Username: u.Username, Groups: groups})
	if err != nil {
		return "", wrapError("insert user", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprint(res.InsertedID), nil
}

func (c *Collection) UpdateUserGroups(ctx context.Context, username string, groups []snapshot.GroupGrant) (int64, error) {
	if groups == nil {
		groups = []snapshot.GroupGrant{}
	}
	res, err := c.users.UpdateOne(ctx,
		bson.D{{Key: "username", Value: bson.D{{Key: "$eq", Value: username}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "groups", Value: groups}}}})
	if err != nil {
		return 0, wrapError("update user", err)
	}
	return res.MatchedCount, nil
}

type cursor struct {
	cur *mongo.Cursor
	err error
}

func (c *cursor) Next(ctx context.Context) bool {
	return c.err == nil && c.cur.Next(ctx)
}

func (c *cursor) Snapshot() (*snapshot.Snapshot, error) {
	var doc nodeDoc
	if err := c.cur.Decode(&doc); err != nil {
		c.err = fmt.Errorf("decode snapshot: %w", err)
		return nil, c.err
	}
	return doc.snapshot(), nil
}

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return wrapError("iterate snapshots", c.cur.Err())
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
