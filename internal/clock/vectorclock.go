package clock

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Identical means both clocks carry the same counters.
	Identical Ordering = iota
	// Before means the first clock happens before the second.
	Before
	// After means the first clock happens after the second.
	After
	// Concurrent means neither clock happens before the other.
	Concurrent
)

// String returns the ordering name for logs.
func (o Ordering) String() string {
	switch o {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps node ids to monotonically non-decreasing counters. Only
// the owning node increments its own entry; everyone else only merges.
type VectorClock map[string]uint64

// NewVectorClock returns an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for the given node.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Update raises the entry for nodeID to value if value is greater. Lowering
// an entry would violate monotonicity, so lesser values are ignored.
func (vc VectorClock) Update(nodeID string, value uint64) {
	if value > vc[nodeID] {
		vc[nodeID] = value
	}
}

// Merge folds other into vc, taking the pointwise maximum over the union of
// node keys.
func (vc VectorClock) Merge(other VectorClock) {
	for nodeID, counter := range other {
		if counter > vc[nodeID] {
			vc[nodeID] = counter
		}
	}
}

// Compare relates vc to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	allLE := true
	allGE := true

	seen := make(map[string]bool, len(vc)+len(other))
	for nodeID := range vc {
		seen[nodeID] = true
	}
	for nodeID := range other {
		seen[nodeID] = true
	}

	for nodeID := range seen {
		a := vc[nodeID]
		b := other[nodeID]
		if a < b {
			allGE = false
		} else if a > b {
			allLE = false
		}
	}

	switch {
	case allLE && allGE:
		return Identical
	case allLE:
		return Before
	case allGE:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore reports whether vc causally precedes other.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// ConcurrentWith reports whether neither clock causally precedes the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, counter := range vc {
		out[nodeID] = counter
	}
	return out
}
