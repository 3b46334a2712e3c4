package crdt

import "github.com/google/uuid"

// Set is an observed-remove (OR) set. Every add is recorded under a fresh
// unique tag; removal tombstones only the tags this replica has observed, so
// an add that raced with a remove on another replica survives the merge
// (add-wins for unseen concurrent adds).
//
// Adds maps tag to element and Removed holds tombstoned tags. Removed uses
// bool values rather than struct{} so the state round-trips through JSON.
type Set[T comparable] struct {
	Adds    map[string]T    `json:"adds"`
	Removed map[string]bool `json:"removed"`
}

// NewSet creates an empty set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{
		Adds:    make(map[string]T),
		Removed: make(map[string]bool),
	}
}

// Add inserts element under a fresh tag and returns the tag.
func (s *Set[T]) Add(element T) string {
	if s.Adds == nil {
		s.Adds = make(map[string]T)
	}
	tag := uuid.New().String()
	s.Adds[tag] = element
	return tag
}

// Remove tombstones every currently visible tag of element on this replica.
// Returns the number of tags removed; zero means the element was not
// observed here and the call is a no-op.
func (s *Set[T]) Remove(element T) int {
	if s.Removed == nil {
		s.Removed = make(map[string]bool)
	}
	removed := 0
	for tag, el := range s.Adds {
		if el == element && !s.Removed[tag] {
			s.Removed[tag] = true
			removed++
		}
	}
	return removed
}

// Contains reports whether element has at least one live tag.
func (s *Set[T]) Contains(element T) bool {
	for tag, el := range s.Adds {
		if el == element && !s.Removed[tag] {
			return true
		}
	}
	return false
}

// Elements returns the distinct live elements.
func (s *Set[T]) Elements() []T {
	seen := make(map[T]bool)
	out := make([]T, 0, len(s.Adds))
	for tag, el := range s.Adds {
		if s.Removed[tag] || seen[el] {
			continue
		}
		seen[el] = true
		out = append(out, el)
	}
	return out
}

// Len returns the number of distinct live elements.
func (s *Set[T]) Len() int {
	return len(s.Elements())
}

// Merge unions both add maps and both tombstone sets.
func (s *Set[T]) Merge(other *Set[T]) {
	if s.Adds == nil {
		s.Adds = make(map[string]T)
	}
	if s.Removed == nil {
		s.Removed = make(map[string]bool)
	}
	for tag, el := range other.Adds {
		s.Adds[tag] = el
	}
	for tag := range other.Removed {
		s.Removed[tag] = true
	}
}

// MergeField implements Field.
func (s *Set[T]) MergeField(other Field) error {
	o, ok := other.(*Set[T])
	if !ok {
		return ErrTypeMismatch
	}
	s.Merge(o)
	return nil
}
