// Package peer implements peer discovery and the bidirectional operation
// exchange that keeps nodes convergent: memberlist gossip announces sync
// endpoints, and an HTTP/JSON protocol moves operation batches and acks.
package peer

import (
	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/model"
)

// Meta is the node metadata gossiped through memberlist so peers can find
// each other's sync endpoints.
type Meta struct {
	NodeID   string `json:"node_id"`
	SyncAddr string `json:"sync_addr"`
}

// ConnectRequest opens a sync session. Clocks are exchanged so both sides
// advance past each other before any operations flow.
type ConnectRequest struct {
	NodeID string          `json:"node_id"`
	Clock  clock.Timestamp `json:"clock"`
}

// ConnectResponse acknowledges a session.
type ConnectResponse struct {
	NodeID string          `json:"node_id"`
	Clock  clock.Timestamp `json:"clock"`
}

// OpBatch carries operations from the sender to the receiver.
type OpBatch struct {
	NodeID     string             `json:"node_id"`
	Operations []*model.Operation `json:"operations"`
}

// OpBatchResponse reports per-operation outcomes. AppliedIDs includes
// duplicates (idempotent no-ops count as applied); Failed lists operations
// that were skipped, so the sender can stop retrying them.
type OpBatchResponse struct {
	NodeID     string      `json:"node_id"`
	AppliedIDs []string    `json:"applied_ids"`
	Failed     []OpFailure `json:"failed,omitempty"`
}

// OpFailure identifies one skipped operation.
type OpFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PullRequest asks a peer for operations it has not yet seen acknowledged
// by the requester.
type PullRequest struct {
	NodeID string `json:"node_id"`
	Limit  int    `json:"limit"`
}

// PullResponse carries the peer's pending operations.
type PullResponse struct {
	NodeID     string             `json:"node_id"`
	Operations []*model.Operation `json:"operations"`
}

// AckRequest confirms operations the requester has durably applied.
type AckRequest struct {
	NodeID       string   `json:"node_id"`
	OperationIDs []string `json:"operation_ids"`
}

// AckResponse reports how many acknowledgments were recorded.
type AckResponse struct {
	NodeID string `json:"node_id"`
	Acked  int    `json:"acked"`
}
