package snapshot

import "context"

// Cursor iterates a query result. It follows the shape of a database cursor:
// call Next until it returns false, then check Err and Close.
type Cursor interface {
	Next(ctx context.Context) bool
	Snapshot() (*Snapshot, error)
	Err() error
	Close(ctx context.Context) error
}

// Collection is the capability set a collection-oriented backend provides.
// Implementations must translate filters to their native query language
// without splicing values into query text.
type Collection interface {
	InsertOne(ctx context.Context, s *Snapshot) (string, error)
	FindOne(ctx context.Context, filter Filter, sort ...SortField) (*Snapshot, bool, error)
	FindMany(ctx context.Context, filter Filter, sort ...SortField) (Cursor, error)
	UpdateMany(ctx context.Context, filter Filter, patch Patch) (int64, error)

	FindUser(ctx context.Context, username string) (*User, bool, error)
	InsertUser(ctx context.Context, u *User) (string, error)
	// UpdateUserGroups replaces the user's grants and returns the number of
	// users matched.
	UpdateUserGroups(ctx context.Context, username string, groups []GroupGrant) (int64, error)
}

// SliceCursor serves an in-memory result set
type SliceCursor struct {
	items []*Snapshot
	pos   int
}

// NewSliceCursor creates a cursor over items
func NewSliceCursor(items []*Snapshot) *SliceCursor {
	return &SliceCursor{items: items, pos: -1}
}

func (c *SliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos+1 >= len(c.items) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Snapshot() (*Snapshot, error) {
	return c.items[c.pos].Clone(), nil
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close(ctx context.Context) error { return nil }
