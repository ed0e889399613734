package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// AttributeValue is either a single scalar or an unordered, deduplicated set
// of scalars. Scalars are string, bool, int64 or float64.
type AttributeValue struct {
	set   bool
	items []any
}

// ScalarValue builds a single-valued attribute value.
func ScalarValue(v any) (AttributeValue, error) {
	s, err := normalizeScalar(v)
	if err != nil {
		return AttributeValue{}, err
	}
	return AttributeValue{items: []any{s}}, nil
}

// SetValue builds a set-valued attribute value; duplicates are dropped.
func SetValue(vs ...any) (AttributeValue, error) {
	out := AttributeValue{set: true}
	seen := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		s, err := normalizeScalar(v)
		if err != nil {
			return AttributeValue{}, err
		}
		k := canonicalKey(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.items = append(out.items, s)
	}
	return out, nil
}

// ValueOf accepts a scalar or a slice of scalars; slices become sets.
func ValueOf(v any) (AttributeValue, error) {
	if v == nil {
		return AttributeValue{}, fmt.Errorf("%w: nil", ErrInvalidValue)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		vs := make([]any, rv.Len())
		for i := range vs {
			vs[i] = rv.Index(i).Interface()
		}
		return SetValue(vs...)
	}
	return ScalarValue(v)
}

// IsSet reports whether the value is set-valued.
func (v AttributeValue) IsSet() bool { return v.set }

// Scalar returns the single value of a scalar attribute.
func (v AttributeValue) Scalar() (any, bool) {
	if v.set || len(v.items) != 1 {
		return nil, false
	}
	return v.items[0], true
}

// Values returns the scalar members in insertion order.
func (v AttributeValue) Values() []any {
	out := make([]any, len(v.items))
	copy(out, v.items)
	return out
}

// Len returns the number of scalar members.
func (v AttributeValue) Len() int { return len(v.items) }

// Contains reports whether x is a member of the value.
func (v AttributeValue) Contains(x any) bool {
	s, err := normalizeScalar(x)
	if err != nil {
		return false
	}
	k := canonicalKey(s)
	for _, item := range v.items {
		if canonicalKey(item) == k {
			return true
		}
	}
	return false
}

// Merge unions o into v. The result is always a set.
func (v AttributeValue) Merge(o AttributeValue) AttributeValue {
	merged, _ := SetValue(append(v.Values(), o.items...)...)
	return merged
}

// MarshalJSON renders scalars as themselves and sets as arrays.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	if s, ok := v.Scalar(); ok {
		return json.Marshal(s)
	}
	return json.Marshal(v.Values())
}

// UnmarshalJSON accepts a JSON scalar or array of scalars.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// NormalizeKey case-folds an attribute key.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty attribute key", ErrInvalidName)
	}
	return cases.Fold().String(key), nil
}

func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		// JSON decodes every number as float64; keep integral ones integral.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
}

// canonicalKey encodes a normalized scalar so that equal values share one
// Value record regardless of backend number decoding.
func canonicalKey(v any) string {
	switch x := v.(type) {
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprintf("?:%v", v)
}

func scalarFromKey(key string) (any, bool) {
	kind, raw, ok := strings.Cut(key, ":")
	if !ok {
		return nil, false
	}
	switch kind {
	case "s":
		return raw, true
	case "b":
		b, err := strconv.ParseBool(raw)
		return b, err == nil
	case "i":
		i, err := strconv.ParseInt(raw, 10, 64)
		return i, err == nil
	case "f":
		f, err := strconv.ParseFloat(raw, 64)
		return f, err == nil
	}
	return nil, false
}

type attrKey struct {
	key          string
	translatable bool
}

type attributeEntry struct {
	attrKey
	value AttributeValue
	// canonical keys of members already stored in the backend
	persisted map[string]struct{}
}

// AttributeSet stages attributes in memory before they are persisted.
// Keys are unique per translatable scope.
type AttributeSet struct {
	order []*attributeEntry
	index map[attrKey]*attributeEntry
}

// NewAttributeSet creates an empty attribute set
func NewAttributeSet() *AttributeSet {
	return &AttributeSet{index: make(map[attrKey]*attributeEntry)}
}

// Add merges value into the attribute named key. The first add keeps the
// value's shape; any later add for the same key promotes it to a set.
func (s *AttributeSet) Add(key string, value any, translatable bool) error {
	k, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	v, err := ValueOf(value)
	if err != nil {
		return err
	}
	s.merge(attrKey{key: k, translatable: translatable}, v, false)
	return nil
}

// load records a value read back from the backend.
func (s *AttributeSet) load(key string, scalar any, translatable bool) error {
	k, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	v, err := ScalarValue(scalar)
	if err != nil {
		return err
	}
	s.merge(attrKey{key: k, translatable: translatable}, v, true)
	return nil
}

func (s *AttributeSet) merge(k attrKey, v AttributeValue, persisted bool) {
	entry, ok := s.index[k]
	if !ok {
		entry = &attributeEntry{attrKey: k, value: v, persisted: make(map[string]struct{})}
		s.index[k] = entry
		s.order = append(s.order, entry)
	} else {
		entry.value = entry.value.Merge(v)
	}
	if persisted {
		for _, item := range v.items {
			entry.persisted[canonicalKey(item)] = struct{}{}
		}
	}
}

// Get returns the value of key in the given scope.
func (s *AttributeSet) Get(key string, translatable bool) (AttributeValue, bool) {
	k, err := NormalizeKey(key)
	if err != nil {
		return AttributeValue{}, false
	}
	entry, ok := s.index[attrKey{key: k, translatable: translatable}]
	if !ok {
		return AttributeValue{}, false
	}
	return entry.value, true
}

// All returns every attribute in insertion order.
func (s *AttributeSet) All() []Attribute {
	out := make([]Attribute, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, Attribute{Key: e.key, Value: e.value, Translatable: e.translatable})
	}
	return out
}

// Len returns the number of distinct attributes.
func (s *AttributeSet) Len() int { return len(s.order) }

type pendingValue struct {
	key          string
	translatable bool
	scalar       any
}

// pending lists members that have not been written to the backend yet.
func (s *AttributeSet) pending() []pendingValue {
	var out []pendingValue
	for _, e := range s.order {
		for _, item := range e.value.items {
			if _, done := e.persisted[canonicalKey(item)]; done {
				continue
			}
			out = append(out, pendingValue{key: e.key, translatable: e.translatable, scalar: item})
		}
	}
	return out
}

func (s *AttributeSet) markPersisted(p pendingValue) {
	if e, ok := s.index[attrKey{key: p.key, translatable: p.translatable}]; ok {
		e.persisted[canonicalKey(p.scalar)] = struct{}{}
	}
}
