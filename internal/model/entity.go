// Package model defines the replicated operation envelope and the business
// entities (invoice, customer, product) composed from crdt primitives.
package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/siva-sub/bizsync-sub011/internal/crdt"
)

var (
	// ErrUnknownEntityType is returned for payloads naming a type no
	// decoder is registered for.
	ErrUnknownEntityType = errors.New("model: unknown entity type")

	// ErrMalformedPayload is returned when an operation payload cannot be
	// decoded into a valid entity. The operation is skipped, not fatal.
	ErrMalformedPayload = errors.New("model: malformed entity payload")
)

// Entity is the contract every replicated business record implements. An
// entity owns a fixed, ordered list of crdt fields; the generic merge in
// crdt.MergeEntity walks that list, so no entity writes its own merge code.
type Entity interface {
	EntityType() string
	EntityMeta() *crdt.Meta
	Fields() []crdt.Field

	// Snapshot returns the flattened current values for read-only
	// consumers. It is derived state; only the full CRDT encoding is safe
	// to merge or transmit.
	Snapshot() map[string]any

	// Validate checks structural integrity after decoding.
	Validate() error
}

var factories = map[string]func() Entity{
	TypeInvoice:  func() Entity { return &Invoice{} },
	TypeCustomer: func() Entity { return &Customer{} },
	TypeProduct:  func() Entity { return &Product{} },
}

// DecodeEntity decodes a full CRDT encoding of the given entity type.
func DecodeEntity(entityType string, data []byte) (Entity, error) {
	factory, ok := factories[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	entity := factory()
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return entity, nil
}

// EncodeEntity returns the full CRDT encoding of an entity, including every
// primitive's internal state and the version vector.
func EncodeEntity(entity Entity) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s entity: %w", entity.EntityType(), err)
	}
	return data, nil
}

// Merge folds src into dst. Both must be the same entity type and id.
func Merge(dst, src Entity) error {
	if dst.EntityType() != src.EntityType() {
		return crdt.ErrTypeMismatch
	}
	return crdt.MergeEntity(dst.EntityMeta(), src.EntityMeta(), dst.Fields(), src.Fields())
}

func validateMeta(m *crdt.Meta) error {
	if m.ID == "" {
		return errors.New("missing entity id")
	}
	if m.NodeID == "" {
		return errors.New("missing creator node id")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("missing created_at timestamp")
	}
	return nil
}
