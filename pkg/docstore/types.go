package docstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record field names
const (
	fieldName      = "name"
	fieldUsername  = "username"
	fieldLanguage  = "language"
	fieldDocument  = "document"
	fieldVersion   = "version"
	fieldPayload   = "payload"
	fieldObjectKey = "object_key"
	fieldCreator   = "creator"
	fieldCreatedAt = "created_at"
	fieldValueKey  = "key"
	fieldValue     = "value"
)

// DocumentRecord is the persisted, language-agnostic document node.
type DocumentRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Translation is the language-specific subtree of a document.
type Translation struct {
	ID       string `json:"id"`
	Language string `json:"language"`
}

// ContentRevision is one immutable entry in a translation's content history.
// The payload is either inline or held in a blob store under ObjectKey.
type ContentRevision struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Creator   string    `json:"creator,omitempty"`
	ObjectKey string    `json:"object_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	inline []byte
}

// Attribute is a key/value pair attached to a document or one of its translations.
type Attribute struct {
	Key          string         `json:"key"`
	Value        AttributeValue `json:"value"`
	Translatable bool           `json:"translatable"`
}

func documentFromRecord(r *Record) *DocumentRecord {
	return &DocumentRecord{ID: r.ID, Name: stringField(r.Fields, fieldName)}
}

func translationFromRecord(r *Record) *Translation {
	return &Translation{ID: r.ID, Language: stringField(r.Fields, fieldLanguage)}
}

func revisionFromRecord(r *Record) (*ContentRevision, error) {
	version, ok := intField(r.Fields, fieldVersion)
	if !ok {
		return nil, fmt.Errorf("revision %s has no version", r.ID)
	}
	rev := &ContentRevision{
		ID:        r.ID,
		Version:   version,
		Creator:   stringField(r.Fields, fieldCreator),
		ObjectKey: stringField(r.Fields, fieldObjectKey),
	}
	if ts := stringField(r.Fields, fieldCreatedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rev.CreatedAt = t
		}
	}
	if rev.ObjectKey == "" {
		raw, err := base64.StdEncoding.DecodeString(stringField(r.Fields, fieldPayload))
		if err != nil {
			return nil, fmt.Errorf("revision %s payload: %w", r.ID, err)
		}
		rev.inline = raw
	}
	return rev, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// intField reads an integer that may have been decoded as any numeric type,
// e.g. float64 from JSON or uint64 from CBOR.
func intField(fields map[string]any, key string) (int64, bool) {
	switch v := fields[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	}
	return 0, false
}
