// Package store persists replicated state in a single bbolt database:
// entity documents, the append-only operation log, the applied-operation
// dedup index, per-peer acknowledgment sets and a log of operations that
// failed to decode.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/model"
)

var (
	bucketEntities = []byte("entities")
	bucketOpLog    = []byte("oplog")
	bucketApplied  = []byte("applied")
	bucketAcks     = []byte("acks")
	bucketFailures = []byte("failures")
)

// Store wraps the bbolt database holding all durable node state.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// FailureRecord describes an operation that could not be applied, kept for
// later inspection.
type FailureRecord struct {
	OperationID string          `json:"operation_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	NodeID      string          `json:"node_id"`
	Error       string          `json:"error"`
	RecordedAt  time.Time       `json:"recorded_at"`
	Operation   json.RawMessage `json:"operation"`
}

// Open opens (or creates) the store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketOpLog, bucketApplied, bucketAcks, bucketFailures} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// opKey builds the op log key: big-endian wall millis and logical counter
// followed by node id and operation id. Keys therefore sort in HLC order.
func opKey(op *model.Operation) []byte {
	key := make([]byte, 0, 12+len(op.NodeID)+1+len(op.ID))
	key = binary.BigEndian.AppendUint64(key, op.Timestamp.WallMillis)
	key = binary.BigEndian.AppendUint32(key, op.Timestamp.Logical)
	key = append(key, op.NodeID...)
	key = append(key, 0)
	key = append(key, op.ID...)
	return key
}

// GetEntity returns the stored CRDT encoding for an entity, if present.
func (s *Store) GetEntity(entityType, id string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		typeBucket := tx.Bucket(bucketEntities).Bucket([]byte(entityType))
		if typeBucket == nil {
			return nil
		}
		if v := typeBucket.Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entity %s/%s: %w", entityType, id, err)
	}
	return data, data != nil, nil
}

// ListEntities returns the stored CRDT encodings of every entity of a type.
func (s *Store) ListEntities(entityType string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		typeBucket := tx.Bucket(bucketEntities).Bucket([]byte(entityType))
		if typeBucket == nil {
			return nil
		}
		return typeBucket.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", entityType, err)
	}
	return out, nil
}

// HasOperation reports whether an operation id has already been applied.
func (s *Store) HasOperation(opID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketApplied).Get([]byte(opID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check operation %s: %w", opID, err)
	}
	return found, nil
}

// CommitOperation atomically stores the merged entity document, appends the
// operation to the log and marks its id applied. A crash between any of the
// three would otherwise let a replayed operation observe partial state.
func (s *Store) CommitOperation(op *model.Operation, entityData []byte) error {
	opData, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
	}

	key := opKey(op)
	err = s.db.Update(func(tx *bolt.Tx) error {
		typeBucket, err := tx.Bucket(bucketEntities).CreateBucketIfNotExists([]byte(op.EntityType))
		if err != nil {
			return err
		}
		if err := typeBucket.Put([]byte(op.EntityID), entityData); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOpLog).Put(key, opData); err != nil {
			return err
		}
		return tx.Bucket(bucketApplied).Put([]byte(op.ID), key)
	})
	if err != nil {
		return fmt.Errorf("failed to commit operation %s: %w", op.ID, err)
	}
	return nil
}

// RecordFailure appends a malformed or unappliable operation to the failure
// log for later inspection. The raw operation is preserved verbatim.
func (s *Store) RecordFailure(op *model.Operation, cause error) error {
	raw, err := json.Marshal(op)
	if err != nil {
		raw = nil
	}
	record, err := json.Marshal(FailureRecord{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		NodeID:      op.NodeID,
		Error:       cause.Error(),
		RecordedAt:  time.Now().UTC(),
		Operation:   raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFailures)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, seq)
		return bucket.Put(key, record)
	})
}

// Failures returns up to limit recorded failures, oldest first. A limit of
// zero returns everything.
func (s *Store) Failures(limit int) ([]FailureRecord, error) {
	var out []FailureRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketFailures).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record FailureRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read failure log: %w", err)
	}
	return out, nil
}

// AckOperations records that a peer has acknowledged the given operations.
func (s *Store) AckOperations(peerID string, opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		peerBucket, err := tx.Bucket(bucketAcks).CreateBucketIfNotExists([]byte(peerID))
		if err != nil {
			return err
		}
		for _, id := range opIDs {
			if err := peerBucket.Put([]byte(id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack %d operations for peer %s: %w", len(opIDs), peerID, err)
	}
	return nil
}

// UnackedOperations returns up to limit operations the peer has not yet
// acknowledged, in HLC order. A limit of zero returns everything.
func (s *Store) UnackedOperations(peerID string, limit int) ([]*model.Operation, error) {
	var out []*model.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		peerBucket := tx.Bucket(bucketAcks).Bucket([]byte(peerID))
		cursor := tx.Bucket(bucketOpLog).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var op model.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("corrupt op log entry %x: %w", k, err)
			}
			if peerBucket != nil && peerBucket.Get([]byte(op.ID)) != nil {
				continue
			}
			out = append(out, &op)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect unacked operations for peer %s: %w", peerID, err)
	}
	return out, nil
}

// OperationCount returns the number of operations in the log.
func (s *Store) OperationCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketOpLog).Stats().KeyN
		return nil
	})
	return count, err
}

// LatestTimestamp returns the highest HLC timestamp in the op log, used to
// seed the clock past all persisted history at startup.
func (s *Store) LatestTimestamp() (clock.Timestamp, bool, error) {
	var ts clock.Timestamp
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketOpLog).Cursor().Last()
		if k == nil {
			return nil
		}
		var op model.Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("corrupt op log tail %x: %w", k, err)
		}
		ts = op.Timestamp
		found = true
		return nil
	})
	if err != nil {
		return clock.Timestamp{}, false, err
	}
	return ts, found, nil
}

// sortable key check used by tests.
func keyLess(a, b []byte) bool { return bytes.Compare(a, b) < 0 }
