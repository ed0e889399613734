package snapshot

import (
	"slices"
	"time"
)

// PublicGroup is readable by every user, including users with no grants.
const PublicGroup = "public"

// Permission codes carried by a GroupGrant
const (
	PermRead   = "r"
	PermWrite  = "w"
	PermDelete = "d"
)

// Metadata describes one snapshot. Field names follow the stored document
// layout so that filters can address them as "metadata.<name>".
type Metadata struct {
	CreateDate time.Time `json:"createdate" bson:"createdate"`
	Creator    string    `json:"creator" bson:"creator"`
	Active     bool      `json:"active" bson:"active"`
	URI        string    `json:"uri" bson:"uri"`
	Language   string    `json:"language" bson:"language"`
	Groups     []string  `json:"groups" bson:"groups"`
	Version    int64     `json:"version" bson:"version"`
}

// Snapshot is one complete, immutable saved document.
type Snapshot struct {
	ID       string         `json:"id,omitempty" bson:"-"`
	Content  map[string]any `json:"content" bson:"content"`
	Metadata Metadata       `json:"metadata" bson:"metadata"`
}

// Draft is the caller's input to Store.Save
type Draft struct {
	Content  map[string]any
	URI      string
	Language string
	Creator  string
	Groups   []string
}

// GroupGrant gives a user the listed operation codes on one group.
type GroupGrant struct {
	Name        string   `json:"groupname" bson:"groupname"`
	Permissions []string `json:"permissions" bson:"permissions"`
}

// User owns a set of group grants.
type User struct {
	ID       string       `json:"id,omitempty" bson:"-"`
	Username string       `json:"username" bson:"username"`
	Groups   []GroupGrant `json:"groups" bson:"groups"`
}

// NewUser creates a user without any grants
func NewUser(username string) *User {
	return &User{Username: username, Groups: []GroupGrant{}}
}

// AddGroup appends a grant for group with the given permission codes
func (u *User) AddGroup(group string, permissions ...string) {
	u.Groups = append(u.Groups, GroupGrant{Name: group, Permissions: permissions})
}

// Roles returns the groups whose grant includes permission.
func (u *User) Roles(permission string) []string {
	var roles []string
	for _, g := range u.Groups {
		if slices.Contains(g.Permissions, permission) && !slices.Contains(roles, g.Name) {
			roles = append(roles, g.Name)
		}
	}
	return roles
}

// Document renders the snapshot as the nested map that filters and patches
// address by dotted path.
func (s *Snapshot) Document() map[string]any {
	groups := make([]any, len(s.Metadata.Groups))
	for i, g := range s.Metadata.Groups {
		groups[i] = g
	}
	return map[string]any{
		"content": cloneMap(s.Content),
		"metadata": map[string]any{
			"createdate": s.Metadata.CreateDate,
			"creator":    s.Metadata.Creator,
			"active":     s.Metadata.Active,
			"uri":        s.Metadata.URI,
			"language":   s.Metadata.Language,
			"groups":     groups,
			"version":    s.Metadata.Version,
		},
	}
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Content = cloneMap(s.Content)
	out.Metadata.Groups = slices.Clone(s.Metadata.Groups)
	return &out
}

// Clone returns a deep copy
func (u *User) Clone() *User {
	out := *u
	out.Groups = make([]GroupGrant, len(u.Groups))
	for i, g := range u.Groups {
		out.Groups[i] = GroupGrant{Name: g.Name, Permissions: slices.Clone(g.Permissions)}
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
