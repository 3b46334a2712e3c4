package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAddRemoveContains(t *testing.T) {
	s := NewSet[string]()
	assert.False(t, s.Contains("x"))

	s.Add("x")
	assert.True(t, s.Contains("x"))
	assert.Equal(t, 1, s.Len())

	removed := s.Remove("x")
	assert.Equal(t, 1, removed)
	assert.False(t, s.Contains("x"))
	assert.Equal(t, 0, s.Len())

	// Re-adding after removal creates a fresh tag and is visible again.
	s.Add("x")
	assert.True(t, s.Contains("x"))
}

func TestSetRemoveUnobservedIsNoop(t *testing.T) {
	s := NewSet[string]()
	assert.Equal(t, 0, s.Remove("never-seen"))
}

func TestSetAddWinsOverConcurrentRemove(t *testing.T) {
	// Node A adds "x"; node B, which never observed that add, removes "x"
	// (a no-op since there is no tag to tombstone). After merging, "x" is
	// present on both replicas.
	a := NewSet[string]()
	a.Add("x")

	b := NewSet[string]()
	assert.Equal(t, 0, b.Remove("x"))

	a.Merge(b)
	b.Merge(a)

	assert.True(t, a.Contains("x"))
	assert.True(t, b.Contains("x"))
}

func TestSetObservedRemoveWinsAfterSync(t *testing.T) {
	// Once B has observed A's add, B's remove tombstones that tag and the
	// removal propagates back to A.
	a := NewSet[string]()
	a.Add("x")

	b := NewSet[string]()
	b.Merge(a)
	assert.True(t, b.Contains("x"))

	b.Remove("x")
	a.Merge(b)

	assert.False(t, a.Contains("x"))
	assert.False(t, b.Contains("x"))
}

func TestSetConcurrentReAddSurvivesOldTombstone(t *testing.T) {
	a := NewSet[string]()
	a.Add("x")

	b := NewSet[string]()
	b.Merge(a)
	b.Remove("x")

	// A concurrently re-adds "x" under a new tag; B's tombstones only cover
	// the old tag.
	a.Add("x")
	a.Merge(b)
	b.Merge(a)

	assert.True(t, a.Contains("x"))
	assert.True(t, b.Contains("x"))
}

func TestSetElementsDeduplicates(t *testing.T) {
	s := NewSet[string]()
	s.Add("x")
	s.Add("x")
	s.Add("y")

	assert.ElementsMatch(t, []string{"x", "y"}, s.Elements())
	assert.Equal(t, 2, s.Len())
}

func TestSetMergeLaws(t *testing.T) {
	mk := func() (a, b, c *Set[string]) {
		a = NewSet[string]()
		a.Add("one")
		b = NewSet[string]()
		b.Add("two")
		b.Remove("two")
		c = NewSet[string]()
		c.Add("three")
		return
	}

	clone := func(s *Set[string]) *Set[string] {
		out := NewSet[string]()
		out.Merge(s)
		return out
	}

	// Commutativity.
	a, b, _ := mk()
	ab := clone(a)
	ab.Merge(b)
	ba := clone(b)
	ba.Merge(a)
	assert.Equal(t, ab, ba)

	// Associativity.
	a, b, c := mk()
	left := clone(a)
	left.Merge(b)
	left.Merge(c)
	bc := clone(b)
	bc.Merge(c)
	right := clone(a)
	right.Merge(bc)
	assert.Equal(t, left, right)

	// Idempotence.
	a, _, _ = mk()
	aa := clone(a)
	aa.Merge(a)
	assert.Equal(t, clone(a), aa)
}

func TestSetMergeFieldTypeMismatch(t *testing.T) {
	s := NewSet[string]()
	err := s.MergeField(NewSet[int]())
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
