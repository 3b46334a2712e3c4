package crdt

import "github.com/siva-sub/bizsync-sub011/internal/clock"

// Meta carries the identity and version metadata every replicated entity
// shares. CreatedAt is immutable after creation, UpdatedAt only moves
// forward, and Deleted is a sticky tombstone: once true, no merge can ever
// revert it.
type Meta struct {
	ID        string            `json:"id"`
	NodeID    string            `json:"node_id"`
	CreatedAt clock.Timestamp   `json:"created_at"`
	UpdatedAt clock.Timestamp   `json:"updated_at"`
	Version   clock.VectorClock `json:"version"`
	Deleted   bool              `json:"deleted"`
}

// NewMeta creates metadata for an entity created by ts.NodeID at ts.
func NewMeta(id string, ts clock.Timestamp) Meta {
	version := clock.NewVectorClock()
	version.Increment(ts.NodeID)
	return Meta{
		ID:        id,
		NodeID:    ts.NodeID,
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   version,
	}
}

// Touch records a local mutation at ts: advances UpdatedAt and ticks the
// mutating node's version entry.
func (m *Meta) Touch(ts clock.Timestamp) {
	if ts.After(m.UpdatedAt) {
		m.UpdatedAt = ts
	}
	if m.Version == nil {
		m.Version = clock.NewVectorClock()
	}
	m.Version.Increment(ts.NodeID)
}

// Delete marks the entity deleted at ts. There is no inverse.
func (m *Meta) Delete(ts clock.Timestamp) {
	m.Deleted = true
	m.Touch(ts)
}

// Merge folds other's metadata into m: version vectors merge pointwise,
// UpdatedAt takes the HLC maximum and the tombstone is OR-combined.
func (m *Meta) Merge(other *Meta) error {
	if m.ID != other.ID {
		return ErrIDMismatch
	}
	if m.Version == nil {
		m.Version = clock.NewVectorClock()
	}
	m.Version.Merge(other.Version)
	if other.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = other.UpdatedAt
	}
	m.Deleted = m.Deleted || other.Deleted
	return nil
}

// MergeEntity merges another entity's state into the local one: metadata per
// Meta.Merge, then every constituent field pairwise. The two field slices
// must come from the same entity type in declaration order, which is what
// lets one generic routine serve every domain entity without bespoke merge
// code.
func MergeEntity(local, other *Meta, localFields, otherFields []Field) error {
	if local.ID != other.ID {
		return ErrIDMismatch
	}
	if len(localFields) != len(otherFields) {
		return ErrFieldCount
	}
	for i := range localFields {
		if err := localFields[i].MergeField(otherFields[i]); err != nil {
			return err
		}
	}
	return local.Merge(other)
}
