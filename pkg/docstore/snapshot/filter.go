package snapshot

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// Op is a filter comparison
type Op int

const (
	// OpEq matches a field equal to the value, or an array field containing it
	OpEq Op = iota
	// OpIn matches a scalar field in the values, or an array field sharing one
	OpIn
	// OpAll matches an array field containing every value
	OpAll
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpIn:
		return "in"
	case OpAll:
		return "all"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Condition is a single comparison on a dotted field path
type Condition struct {
	Op     Op
	Field  string
	Values []any
}

// Filter is a conjunction of conditions. The empty filter matches every
// snapshot.
type Filter []Condition

// Eq matches field == value
func Eq(field string, value any) Filter {
	return Filter{{Op: OpEq, Field: field, Values: []any{value}}}
}

// In matches field against any of values
func In(field string, values ...any) Filter {
	return Filter{{Op: OpIn, Field: field, Values: values}}
}

// All matches array fields containing every one of values
func All(field string, values ...any) Filter {
	return Filter{{Op: OpAll, Field: field, Values: values}}
}

// And joins filters
func And(filters ...Filter) Filter {
	var out Filter
	for _, f := range filters {
		out = append(out, f...)
	}
	return out
}

// Validate rejects empty field paths and path segments.
func (f Filter) Validate() error {
	for _, c := range f {
		if _, err := splitPath(c.Field); err != nil {
			return err
		}
		if c.Op == OpEq && len(c.Values) != 1 {
			return fmt.Errorf("%w: eq on %q needs exactly one value", docstore.ErrInvalidValue, c.Field)
		}
	}
	return nil
}

// Patch sets dotted field paths to new values.
type Patch map[string]any

// Paths returns the patch keys in a stable order
func (p Patch) Paths() []string {
	return slices.Sorted(maps.Keys(p))
}

// SortField orders results by a dotted field path
type SortField struct {
	Field string
	Desc  bool
}

// Asc sorts ascending by field
func Asc(field string) SortField { return SortField{Field: field} }

// Desc sorts descending by field
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

func splitPath(field string) ([]string, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field path", docstore.ErrInvalidValue)
	}
	parts := strings.Split(field, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: malformed field path %q", docstore.ErrInvalidValue, field)
		}
	}
	return parts, nil
}

// Lookup resolves a dotted path inside a document map.
func Lookup(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match evaluates f against a snapshot in process.
func Match(s *Snapshot, f Filter) bool {
	doc := s.Document()
	for _, c := range f {
		got, ok := Lookup(doc, c.Field)
		if !ok {
			return false
		}
		if !matchCondition(got, c) {
			return false
		}
	}
	return true
}

func matchCondition(got any, c Condition) bool {
	items, isArray := asSlice(got)
	switch c.Op {
	case OpEq:
		if len(c.Values) != 1 {
			return false
		}
		if isArray {
			return containsValue(items, c.Values[0])
		}
		return equalValues(got, c.Values[0])
	case OpIn:
		for _, want := range c.Values {
			if isArray && containsValue(items, want) || !isArray && equalValues(got, want) {
				return true
			}
		}
		return false
	case OpAll:
		if !isArray {
			return false
		}
		for _, want := range c.Values {
			if !containsValue(items, want) {
				return false
			}
		}
		return true
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsValue(items []any, want any) bool {
	for _, item := range items {
		if equalValues(item, want) {
			return true
		}
	}
	return false
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

func equalValues(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders scalars of the same kind. Missing values sort first.
func compareValues(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// SortSnapshots orders snapshots in place by the given fields.
func SortSnapshots(snaps []*Snapshot, sort ...SortField) {
	if len(sort) == 0 {
		return
	}
	docs := make(map[*Snapshot]map[string]any, len(snaps))
	for _, s := range snaps {
		docs[s] = s.Document()
	}
	slices.SortStableFunc(snaps, func(a, b *Snapshot) int {
		for _, sf := range sort {
			va, _ := Lookup(docs[a], sf.Field)
			vb, _ := Lookup(docs[b], sf.Field)
			c := compareValues(va, vb)
			if sf.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

// ApplyPatch sets the patched paths on s. Metadata fields keep their types;
// a value of the wrong type is rejected.
func ApplyPatch(s *Snapshot, p Patch) error {
	doc := s.Document()
	for _, path := range p.Paths() {
		parts, err := splitPath(path)
		if err != nil {
			return err
		}
		if err := setPath(doc, parts, p[path]); err != nil {
			return err
		}
	}
	patched, err := fromDocument(doc)
	if err != nil {
		return err
	}
	patched.ID = s.ID
	*s = *patched
	return nil
}

func setPath(doc map[string]any, parts []string, value any) error {
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			if _, exists := cur[part]; exists {
				return fmt.Errorf("%w: %q is not an object", docstore.ErrInvalidValue, part)
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func fromDocument(doc map[string]any) (*Snapshot, error) {
	for k := range doc {
		if k != "content" && k != "metadata" {
			return nil, fmt.Errorf("%w: unknown top-level field %q", docstore.ErrInvalidValue, k)
		}
	}
	s := &Snapshot{}
	if c, ok := doc["content"].(map[string]any); ok {
		s.Content = c
	}
	meta, _ := doc["metadata"].(map[string]any)
	for k, v := range meta {
		var ok bool
		switch k {
		case "createdate":
			s.Metadata.CreateDate, ok = v.(time.Time)
		case "creator":
			s.Metadata.Creator, ok = v.(string)
		case "active":
			s.Metadata.Active, ok = v.(bool)
		case "uri":
			s.Metadata.URI, ok = v.(string)
		case "language":
			s.Metadata.Language, ok = v.(string)
		case "groups":
			var items []any
			if items, ok = asSlice(v); ok {
				s.Metadata.Groups = make([]string, 0, len(items))
				for _, item := range items {
					g, isString := item.(string)
					if !isString {
						ok = false
						break
					}
					s.Metadata.Groups = append(s.Metadata.Groups, g)
				}
			}
		case "version":
			var f float64
			if f, ok = toFloat(v); ok {
				s.Metadata.Version = int64(f)
			}
		default:
			return nil, fmt.Errorf("%w: unknown metadata field %q", docstore.ErrInvalidValue, k)
		}
		if !ok {
			return nil, fmt.Errorf("%w: metadata.%s has type %T", docstore.ErrInvalidValue, k, v)
		}
	}
	return s, nil
}
