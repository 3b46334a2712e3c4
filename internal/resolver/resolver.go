// Package resolver funnels every mutation, local or remote, through the
// entity merge laws. All conflict resolution happens in the crdt primitives;
// the resolver's own responsibilities are idempotence, durability and
// surfacing detected concurrency to callers.
package resolver

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/metrics"
	"github.com/siva-sub/bizsync-sub011/internal/model"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

const lockStripes = 64

// ErrNotFound is returned by Mutate when the target entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Conflict describes a detected concurrent update. Conflicts are
// informational; the merge has already resolved them deterministically.
type Conflict struct {
	EntityType string
	EntityID   string
	RemoteNode string
	Timestamp  clock.Timestamp
}

// Resolver applies operations to local state.
type Resolver struct {
	store     *store.Store
	clock     *clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	locks     [lockStripes]sync.Mutex
	conflicts chan Conflict
}

// New creates a resolver. metrics may be nil in tests.
func New(st *store.Store, clk *clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     st,
		clock:     clk,
		metrics:   m,
		logger:    logger,
		conflicts: make(chan Conflict, 128),
	}
}

// SeedClock advances the clock past all persisted history. Called once at
// startup so restarts never reissue timestamps.
func (r *Resolver) SeedClock() error {
	ts, found, err := r.store.LatestTimestamp()
	if err != nil {
		return fmt.Errorf("failed to read latest timestamp: %w", err)
	}
	if !found {
		return nil
	}
	return r.clock.Observe(ts)
}

// Conflicts returns the channel of detected concurrent updates. The channel
// is bounded; notifications are dropped, never blocked on.
func (r *Resolver) Conflicts() <-chan Conflict {
	return r.conflicts
}

// SubmitLocal records a locally created entity: allocates a fresh timestamp,
// wraps the entity's current CRDT state in an operation and applies it
// through the same path remote operations take. Existing entities must be
// changed through Mutate; mutating a copy loaded outside the entity lock and
// resubmitting it here can lose a concurrent same-node counter update, since
// both copies carry the same base value for this node's counter entries.
func (r *Resolver) SubmitLocal(kind model.OperationKind, entity model.Entity) (*model.Operation, error) {
	ts, err := r.clock.Now()
	if err != nil {
		return nil, err
	}
	op, err := model.NewOperation(kind, entity, ts)
	if err != nil {
		return nil, err
	}
	if err := r.Apply(op); err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.OpsLocalTotal.Inc()
	}
	return op, nil
}

// Mutate is the local write path for existing entities: it loads the stored
// state, invokes fn with it and a fresh timestamp, and commits the result,
// all under the entity's lock stripe so two local writers cannot start from
// the same stored state and drop each other's updates. fn mutates the entity
// in place and returns the operation kind to record; returning an error
// aborts with no state change.
func (r *Resolver) Mutate(entityType, id string, fn func(model.Entity, clock.Timestamp) (model.OperationKind, error)) (*model.Operation, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	data, found, err := r.store.GetEntity(entityType, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s/%s: %w", entityType, id, ErrNotFound)
	}
	entity, err := model.DecodeEntity(entityType, data)
	if err != nil {
		return nil, fmt.Errorf("corrupt stored entity %s/%s: %w", entityType, id, err)
	}

	ts, err := r.clock.Now()
	if err != nil {
		return nil, err
	}
	kind, err := fn(entity, ts)
	if err != nil {
		return nil, err
	}

	op, err := model.NewOperation(kind, entity, ts)
	if err != nil {
		return nil, err
	}
	mergedData, err := model.EncodeEntity(entity)
	if err != nil {
		return nil, err
	}
	if err := r.store.CommitOperation(op, mergedData); err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.OpsLocalTotal.Inc()
		r.metrics.OpsAppliedTotal.Inc()
		if count, err := r.store.OperationCount(); err == nil {
			r.metrics.OpLogEntries.Set(float64(count))
		}
	}
	return op, nil
}

// Apply applies one operation. Duplicate ids are a successful no-op. A
// malformed payload is recorded to the failure log and returned as an error
// the caller can choose to skip; it never aborts a batch. All state changes
// funnel through the entity merge, so apply is idempotent and commutative.
func (r *Resolver) Apply(op *model.Operation) error {
	start := time.Now()

	if err := op.Validate(); err != nil {
		r.recordFailure(op, err)
		return err
	}

	// Advance the local clock past the remote timestamp before touching
	// state, so every timestamp issued after this apply orders after it.
	if err := r.clock.Observe(op.Timestamp); err != nil {
		return fmt.Errorf("failed to observe operation timestamp: %w", err)
	}

	incoming, err := op.DecodePayload()
	if err != nil {
		r.recordFailure(op, err)
		return err
	}

	mu := r.lockFor(op.EntityID)
	mu.Lock()
	defer mu.Unlock()

	applied, err := r.store.HasOperation(op.ID)
	if err != nil {
		return err
	}
	if applied {
		if r.metrics != nil {
			r.metrics.OpsDuplicateTotal.Inc()
		}
		r.logger.Debug("Skipping duplicate operation",
			zap.String("op_id", op.ID),
			zap.String("entity_id", op.EntityID))
		return nil
	}

	merged := incoming
	data, found, err := r.store.GetEntity(op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if found {
		current, err := model.DecodeEntity(op.EntityType, data)
		if err != nil {
			return fmt.Errorf("corrupt stored entity %s/%s: %w", op.EntityType, op.EntityID, err)
		}
		if current.EntityMeta().Version.ConcurrentWith(op.VectorClock) {
			r.notifyConflict(op)
		}
		if err := model.Merge(current, incoming); err != nil {
			r.recordFailure(op, err)
			return err
		}
		merged = current
	}

	mergedData, err := model.EncodeEntity(merged)
	if err != nil {
		return err
	}
	if err := r.store.CommitOperation(op, mergedData); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.OpsAppliedTotal.Inc()
		r.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
		if count, err := r.store.OperationCount(); err == nil {
			r.metrics.OpLogEntries.Set(float64(count))
		}
	}
	return nil
}

// Snapshot returns the flattened read-only projection of one entity.
func (r *Resolver) Snapshot(entityType, id string) (map[string]any, bool, error) {
	data, found, err := r.store.GetEntity(entityType, id)
	if err != nil || !found {
		return nil, false, err
	}
	entity, err := model.DecodeEntity(entityType, data)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt stored entity %s/%s: %w", entityType, id, err)
	}
	return entity.Snapshot(), true, nil
}

// SnapshotAll returns the projections of every live (non-deleted) entity of
// a type.
func (r *Resolver) SnapshotAll(entityType string) ([]map[string]any, error) {
	docs, err := r.store.ListEntities(entityType)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(docs))
	for _, data := range docs {
		entity, err := model.DecodeEntity(entityType, data)
		if err != nil {
			return nil, fmt.Errorf("corrupt stored %s entity: %w", entityType, err)
		}
		if entity.EntityMeta().Deleted {
			continue
		}
		out = append(out, entity.Snapshot())
	}
	return out, nil
}

func (r *Resolver) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &r.locks[h.Sum32()%lockStripes]
}

func (r *Resolver) notifyConflict(op *model.Operation) {
	if r.metrics != nil {
		r.metrics.ConflictsDetectedTotal.Inc()
	}
	conflict := Conflict{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		RemoteNode: op.NodeID,
		Timestamp:  op.Timestamp,
	}
	select {
	case r.conflicts <- conflict:
	default:
		if r.metrics != nil {
			r.metrics.ConflictsDroppedTotal.Inc()
		}
		r.logger.Warn("Conflict queue full, dropping notification",
			zap.String("entity_type", op.EntityType),
			zap.String("entity_id", op.EntityID))
	}
}

func (r *Resolver) recordFailure(op *model.Operation, cause error) {
	if r.metrics != nil {
		r.metrics.OpsFailedTotal.Inc()
	}
	r.logger.Warn("Operation failed to apply",
		zap.String("op_id", op.ID),
		zap.String("entity_type", op.EntityType),
		zap.String("entity_id", op.EntityID),
		zap.Error(cause))
	if err := r.store.RecordFailure(op, cause); err != nil {
		r.logger.Error("Failed to record operation failure", zap.Error(err))
	}
}
