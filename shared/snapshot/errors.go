package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityUnknown is returned when sampling or inserting for an entity
	// that has no timeline. Callers may register the entity and retry.
	ErrEntityUnknown = errors.New("entity unknown")

	// ErrStaleSnapshot marks a snapshot older than the retention window.
	// It is counted and dropped, never returned from the hot path.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrMalformedSnapshot marks a payload that failed schema validation.
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrClockDiscontinuity marks an offset jump large enough to reset the
	// clock estimate.
	ErrClockDiscontinuity = errors.New("clock discontinuity")

	// ErrCapacityExceeded is handled by eviction and only used in diagnostics.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// MalformedError describes why a snapshot was rejected.
type MalformedError struct {
	Entity EntityID
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed snapshot for %q field %q: %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed snapshot for %q: %s", e.Entity, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedSnapshot }

func malformed(id EntityID, field, reason string) error {
	return &MalformedError{Entity: id, Field: field, Reason: reason}
}
