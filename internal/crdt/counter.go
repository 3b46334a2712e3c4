package crdt

// Counter is an increment/decrement (PN) counter. Each node owns one entry
// in each map and only ever grows it; merge takes the pointwise maximum,
// which is safe precisely because entries are per-node monotone.
type Counter struct {
	Increments map[string]uint64 `json:"increments"`
	Decrements map[string]uint64 `json:"decrements"`
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		Increments: make(map[string]uint64),
		Decrements: make(map[string]uint64),
	}
}

// Increment adds n to the node's increment entry.
func (c *Counter) Increment(nodeID string, n uint64) {
	if c.Increments == nil {
		c.Increments = make(map[string]uint64)
	}
	c.Increments[nodeID] += n
}

// Decrement adds n to the node's decrement entry.
func (c *Counter) Decrement(nodeID string, n uint64) {
	if c.Decrements == nil {
		c.Decrements = make(map[string]uint64)
	}
	c.Decrements[nodeID] += n
}

// Value returns the counter total: sum of increments minus sum of decrements.
func (c *Counter) Value() int64 {
	var total int64
	for _, n := range c.Increments {
		total += int64(n)
	}
	for _, n := range c.Decrements {
		total -= int64(n)
	}
	return total
}

// Merge folds other into c, taking the maximum per node for increments and
// decrements independently.
func (c *Counter) Merge(other *Counter) {
	if c.Increments == nil {
		c.Increments = make(map[string]uint64)
	}
	if c.Decrements == nil {
		c.Decrements = make(map[string]uint64)
	}
	for nodeID, n := range other.Increments {
		if n > c.Increments[nodeID] {
			c.Increments[nodeID] = n
		}
	}
	for nodeID, n := range other.Decrements {
		if n > c.Decrements[nodeID] {
			c.Decrements[nodeID] = n
		}
	}
}

// MergeField implements Field.
func (c *Counter) MergeField(other Field) error {
	o, ok := other.(*Counter)
	if !ok {
		return ErrTypeMismatch
	}
	c.Merge(o)
	return nil
}
