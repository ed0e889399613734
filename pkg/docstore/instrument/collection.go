package instrument

import (
	"context"
	"time"

	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

type collection struct {
	next    snapshot.Collection
	metrics *Metrics
	backend string
}

// Collection wraps a snapshot collection backend.
func (m *Metrics) Collection(next snapshot.Collection, backend string) snapshot.Collection {
	return &collection{next: next, metrics: m, backend: backend}
}

func (c *collection) InsertOne(ctx context.Context, s *snapshot.Snapshot) (id string, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "insert_one", start, err) }(time.Now())
	return c.next.InsertOne(ctx, s)
}

func (c *collection) FindOne(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (s *snapshot.Snapshot, found bool, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "find_one", start, err) }(time.Now())
	return c.next.FindOne(ctx, filter, sort...)
}

// FindMany times opening the cursor only; iteration happens in the caller.
func (c *collection) FindMany(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (cur snapshot.Cursor, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "find_many", start, err) }(time.Now())
	return c.next.FindMany(ctx, filter, sort...)
}

func (c *collection) UpdateMany(ctx context.Context, filter snapshot.Filter, patch snapshot.Patch) (n int64, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "update_many", start, err) }(time.Now())
	return c.next.UpdateMany(ctx, filter, patch)
}

func (c *collection) FindUser(ctx context.Context, username string) (u *snapshot.User, found bool, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "find_user", start, err) }(time.Now())
	return c.next.FindUser(ctx, username)
}

func (c *collection) InsertUser(ctx context.Context, u *snapshot.User) (id string, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "insert_user", start, err) }(time.Now())
	return c.next.InsertUser(ctx, u)
}

func (c *collection) UpdateUserGroups(ctx context.Context, username string, groups []snapshot.GroupGrant) (n int64, err error) {
	defer func(start time.Time) { c.metrics.observe(c.backend, "update_user_groups", start, err) }(time.Now())
	return c.next.UpdateUserGroups(ctx, username, groups)
}
