package docstore

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrNotFound indicates a lookup by key, index or traversal yielded nothing
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey indicates a creation violated a uniqueness index.
	// Get-or-create absorbs it; the core never returns it to callers.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrBackendUnavailable indicates a connection or transport failure
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInconsistentState indicates persisted state broke a versioning invariant
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrInvalidValue indicates an attribute value of an unsupported type
	ErrInvalidValue = errors.New("invalid attribute value")

	// ErrInvalidLanguage indicates a malformed language code
	ErrInvalidLanguage = errors.New("invalid language code")

	// ErrInvalidName indicates an empty document name, attribute key or username
	ErrInvalidName = errors.New("invalid name")
)

// DocumentError represents an error related to a document operation
type DocumentError struct {
	Name     string
	Language string
	Op       string
	Err      error
}

func (e *DocumentError) Error() string {
	if e.Language == "" {
		return fmt.Sprintf("document operation %s failed for %q: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("document operation %s failed for %q (%s): %v", e.Op, e.Name, e.Language, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// InconsistentStateError describes a translation whose current pointer does
// not match its content history. Latest holds the highest-version revision so
// callers can recover explicitly.
type InconsistentStateError struct {
	TranslationID string
	Reason        string
	Latest        *ContentRevision
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("translation %s: %s", e.TranslationID, e.Reason)
}

func (e *InconsistentStateError) Unwrap() error {
	return ErrInconsistentState
}

// Unavailable wraps a transport failure so that it matches ErrBackendUnavailable
// while keeping the original error in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}
