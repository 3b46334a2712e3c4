package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
)

// OperationKind classifies a replicated mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Operation is the immutable, append-only record of one mutation. The
// payload is the full CRDT encoding of the target entity as of the mutation,
// so applying an operation is always decode-then-merge. Applying the same
// operation id twice is a no-op.
type Operation struct {
	ID          string            `json:"id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Kind        OperationKind     `json:"kind"`
	Payload     json.RawMessage   `json:"payload"`
	Timestamp   clock.Timestamp   `json:"timestamp"`
	NodeID      string            `json:"node_id"`
	VectorClock clock.VectorClock `json:"vector_clock"`
}

// NewOperation builds the operation recording a local mutation of entity.
// The timestamp must come from the local clock; collaborators never
// fabricate timestamps.
func NewOperation(kind OperationKind, entity Entity, ts clock.Timestamp) (*Operation, error) {
	payload, err := EncodeEntity(entity)
	if err != nil {
		return nil, err
	}
	meta := entity.EntityMeta()
	return &Operation{
		ID:          uuid.New().String(),
		EntityType:  entity.EntityType(),
		EntityID:    meta.ID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   ts,
		NodeID:      ts.NodeID,
		VectorClock: meta.Version.Clone(),
	}, nil
}

// Validate checks the operation envelope. Payload contents are validated
// separately by DecodePayload.
func (op *Operation) Validate() error {
	switch {
	case op.ID == "":
		return errors.New("model: operation missing id")
	case op.EntityType == "":
		return errors.New("model: operation missing entity type")
	case op.EntityID == "":
		return errors.New("model: operation missing entity id")
	case op.NodeID == "":
		return errors.New("model: operation missing node id")
	case op.Timestamp.IsZero():
		return errors.New("model: operation missing timestamp")
	}
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("model: invalid operation kind %q", op.Kind)
	}
	return nil
}

// DecodePayload decodes and validates the carried entity state.
func (op *Operation) DecodePayload() (Entity, error) {
	entity, err := DecodeEntity(op.EntityType, op.Payload)
	if err != nil {
		return nil, err
	}
	if entity.EntityMeta().ID != op.EntityID {
		return nil, fmt.Errorf("%w: payload entity id %q does not match operation entity id %q",
			ErrMalformedPayload, entity.EntityMeta().ID, op.EntityID)
	}
	return entity, nil
}
