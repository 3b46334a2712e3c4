package crdt

import "github.com/siva-sub/bizsync-sub011/internal/clock"

// Register is a last-writer-wins register. The stored value only changes
// when written with a timestamp greater than the current one under the HLC
// total order; equal timestamps (possible only across nodes with a broken
// clock) fall back to the lexicographically larger node id.
type Register[T any] struct {
	Value T               `json:"value"`
	Stamp clock.Timestamp `json:"stamp"`
}

// NewRegister creates a register holding value as of ts.
func NewRegister[T any](value T, ts clock.Timestamp) *Register[T] {
	return &Register[T]{Value: value, Stamp: ts}
}

// Get returns the current value.
func (r *Register[T]) Get() T {
	return r.Value
}

// Set commits (value, ts) if ts is not dominated by the stored timestamp.
// Returns true if the register changed.
func (r *Register[T]) Set(value T, ts clock.Timestamp) bool {
	if !ts.After(r.Stamp) {
		return false
	}
	r.Value = value
	r.Stamp = ts
	return true
}

// Merge keeps whichever side carries the greater timestamp.
func (r *Register[T]) Merge(other *Register[T]) {
	if other.Stamp.After(r.Stamp) {
		r.Value = other.Value
		r.Stamp = other.Stamp
	}
}

// MergeField implements Field.
func (r *Register[T]) MergeField(other Field) error {
	o, ok := other.(*Register[T])
	if !ok {
		return ErrTypeMismatch
	}
	r.Merge(o)
	return nil
}
