// Package memory is an in-process snapshot collection for tests and
// single-node use.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

// Collection implements snapshot.Collection in memory
type Collection struct {
	mu        sync.RWMutex
	snapshots []*snapshot.Snapshot
	users     map[string]*snapshot.User
}

var _ snapshot.Collection = (*Collection)(nil)

// New creates an empty collection
func New() *Collection {
	return &Collection{users: make(map[string]*snapshot.User)}
}

func (c *Collection) InsertOne(ctx context.Context, s *snapshot.Snapshot) (string, error) {
	stored := s.Clone()
	stored.ID = uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, stored)
	return stored.ID, nil
}

func (c *Collection) find(filter snapshot.Filter, sort []snapshot.SortField) ([]*snapshot.Snapshot, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	var out []*snapshot.Snapshot
	for _, s := range c.snapshots {
		if snapshot.Match(s, filter) {
			out = append(out, s.Clone())
		}
	}
	c.mu.RUnlock()
	snapshot.SortSnapshots(out, sort...)
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (*snapshot.Snapshot, bool, error) {
	found, err := c.find(filter, sort)
	if err != nil || len(found) == 0 {
		return nil, false, err
	}
	return found[0], true, nil
}

func (c *Collection) FindMany(ctx context.Context, filter snapshot.Filter, sort ...snapshot.SortField) (snapshot.Cursor, error) {
	found, err := c.find(filter, sort)
	if err != nil {
		return nil, err
	}
	return snapshot.NewSliceCursor(found), nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter snapshot.Filter, patch snapshot.Patch) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for i, s := range c.snapshots {
		if !snapshot.Match(s, filter) {
			continue
		}
		patched := s.Clone()
		if err := snapshot.ApplyPatch(patched, patch); err != nil {
			return n, fmt.Errorf("patch %s: %w", s.ID, err)
		}
		c.snapshots[i] = patched
		n++
	}
	return n, nil
}

func (c *Collection) FindUser(ctx context.Context, username string) (*snapshot.User, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[username]
	if !ok {
		return nil, false, nil
	}
	return u.Clone(), true, nil
}

func (c *Collection) InsertUser(ctx context.Context, u *snapshot.User) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.users[u.Username]; exists {
		return "", fmt.Errorf("user %s: %w", u.Username, docstore.ErrDuplicateKey)
	}
	stored := u.Clone()
	stored.ID = uuid.NewString()
	c.users[u.Username] = stored
	return stored.ID, nil
}

func (c *Collection) UpdateUserGroups(ctx context.Context, username string, groups []snapshot.GroupGrant) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[username]
	if !ok {
		return 0, nil
	}
	updated := (&snapshot.User{ID: u.ID, Username: u.Username, Groups: groups}).Clone()
	c.users[username] = updated
	return 1, nil
}
