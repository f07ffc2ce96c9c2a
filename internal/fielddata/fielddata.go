// Package fielddata holds the identifiers and form payload types shared by the
// draft store, the media queue, and the autosave controller. Field semantics
// are opaque to this subsystem; values are carried as-is except for the
// boolean canonicalization applied before transmission.
package fielddata

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("fielddata: invalid record id")
	// ErrInvalidFieldName indicates that a field name is empty or exceeds storage bounds.
	ErrInvalidFieldName = errors.New("fielddata: invalid field name")
)

// RecordID identifies the maintenance visit or inspection a form draft or
// media item belongs to.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// FieldName is the logical slot a media item belongs to. It is supplied by
// the caller and never interpreted here.
type FieldName string

// NewFieldName validates raw input and returns a FieldName.
func NewFieldName(rawInput string) (FieldName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFieldName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFieldName, maxIdentifierLength)
	}
	return FieldName(trimmed), nil
}

// String returns the underlying string name.
func (name FieldName) String() string {
	return string(name)
}

// FormData is an opaque mapping of field name to value.
type FormData map[string]any

// Clone returns a shallow copy of the mapping. Values are primitives in
// practice, so a shallow copy is sufficient for snapshot bookkeeping.
func (d FormData) Clone() FormData {
	if d == nil {
		return nil
	}
	copied := make(FormData, len(d))
	for key, value := range d {
		copied[key] = value
	}
	return copied
}

// Equal reports whether two payloads are structurally identical. The autosave
// controller uses this to suppress redundant writes.
func (d FormData) Equal(other FormData) bool {
	if len(d) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]any(d), map[string]any(other))
}
