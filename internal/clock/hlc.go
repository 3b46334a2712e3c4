// Package clock provides the hybrid logical clock and vector clock used to
// order and relate replicated mutations across nodes.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrClockOverflow is returned when the logical counter would wrap. The node
// cannot produce further timestamps without a coordinated clock reset.
var ErrClockOverflow = errors.New("clock: logical counter overflow")

// Timestamp is a hybrid logical clock reading. Timestamps are totally
// ordered by (WallMillis, Logical, NodeID).
type Timestamp struct {
	WallMillis uint64 `json:"wall_millis"`
	Logical    uint32 `json:"logical"`
	NodeID     string `json:"node_id"`
}

// Compare returns -1, 0 or 1 depending on whether t orders before, equal to
// or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallMillis != other.WallMillis {
		if t.WallMillis < other.WallMillis {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	if t.NodeID != other.NodeID {
		if t.NodeID < other.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// After reports whether t orders strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallMillis == 0 && t.Logical == 0 && t.NodeID == ""
}

// String formats the timestamp as wall:logical@node.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d@%s", t.WallMillis, t.Logical, t.NodeID)
}

// Clock is a per-node hybrid logical clock. Every timestamp it issues is
// strictly greater than every timestamp it has previously issued or observed.
type Clock struct {
	nodeID   string
	wall     func() uint64
	mu       sync.Mutex
	lastWall uint64
	logical  uint32
}

// New creates a clock for the given node backed by the system wall clock.
func New(nodeID string) *Clock {
	return &Clock{
		nodeID: nodeID,
		wall:   func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
}

// NewWithWall creates a clock with an injected wall-time source. Used by
// tests that need deterministic or skewed physical time.
func NewWithWall(nodeID string, wall func() uint64) *Clock {
	return &Clock{nodeID: nodeID, wall: wall}
}

// NodeID returns the node this clock issues timestamps for.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now issues a fresh timestamp strictly greater than all previous ones.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wall()
	if wall > c.lastWall {
		c.lastWall = wall
		c.logical = 0
	} else {
		// Wall clock stalled or went backwards; absorb with the counter.
		if c.logical == math.MaxUint32 {
			return Timestamp{}, ErrClockOverflow
		}
		c.logical++
	}

	return c.stamp(), nil
}

// Update advances the clock past a remote timestamp and returns a fresh
// timestamp causally after both the remote and all locally issued ones.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wall()
	prev := c.lastWall

	switch {
	case wall > prev && wall > remote.WallMillis:
		c.lastWall = wall
		c.logical = 0
	case prev == remote.WallMillis:
		l := c.logical
		if remote.Logical > l {
			l = remote.Logical
		}
		if l == math.MaxUint32 {
			return Timestamp{}, ErrClockOverflow
		}
		c.logical = l + 1
	case prev > remote.WallMillis:
		if c.logical == math.MaxUint32 {
			return Timestamp{}, ErrClockOverflow
		}
		c.logical++
	default:
		if remote.Logical == math.MaxUint32 {
			return Timestamp{}, ErrClockOverflow
		}
		c.lastWall = remote.WallMillis
		c.logical = remote.Logical + 1
	}

	return c.stamp(), nil
}

// Observe advances the clock past a remote timestamp without issuing a new
// one. Used when replaying persisted operations at startup.
func (c *Clock) Observe(remote Timestamp) error {
	_, err := c.Update(remote)
	return err
}

// Last returns the most recently issued or observed timestamp.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stamp()
}

func (c *Clock) stamp() Timestamp {
	return Timestamp{WallMillis: c.lastWall, Logical: c.logical, NodeID: c.nodeID}
}
