// Package crdt implements the conflict-free replicated primitives that
// replicated business entities are composed of: a last-writer-wins register,
// an increment/decrement counter and an observed-remove set, plus the
// entity metadata and generic merge that tie them together.
package crdt

import "errors"

var (
	// ErrIDMismatch is returned when two entities with different ids are
	// merged. This is always a caller bug, never resolved silently.
	ErrIDMismatch = errors.New("crdt: entity id mismatch")

	// ErrTypeMismatch is returned when a field is merged with a field of a
	// different primitive type.
	ErrTypeMismatch = errors.New("crdt: field type mismatch")

	// ErrFieldCount is returned when two entities of the same type disagree
	// on their field list. Payload decoding guarantees this never happens
	// for well-formed operations.
	ErrFieldCount = errors.New("crdt: field count mismatch")
)

// Field is the uniform merge contract shared by all primitives. Merging is
// commutative, associative and idempotent; the receiver absorbs the other
// side's state.
type Field interface {
	MergeField(other Field) error
}
