package resolver

import (
	"encoding/json"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/model"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

func newTestResolver(t *testing.T, nodeID string) *Resolver {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bizsync.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, clock.New(nodeID), nil, zap.NewNop())
}

func TestSubmitLocalAndSnapshot(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)

	op, err := r.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)
	assert.Equal(t, "n1", op.NodeID)

	snap, found, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "INV-001", snap["number"])
}

func TestMutateKeepsEveryLocalPayment(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	_, err = r.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	// Two back-to-back payments recorded through the locked write path.
	// Each must read the other's committed state, not a shared stale copy.
	for i := 0; i < 2; i++ {
		_, err := r.Mutate(model.TypeInvoice, "inv-1", func(e model.Entity, ts clock.Timestamp) (model.OperationKind, error) {
			e.(*model.Invoice).RecordPayment(100, ts)
			return model.OpUpdate, nil
		})
		require.NoError(t, err)
	}

	snap, found, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(200), snap["paid_cents"])
}

func TestMutateConcurrentPaymentsAllKept(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 10000, ts)
	_, err = r.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Mutate(model.TypeInvoice, "inv-1", func(e model.Entity, ts clock.Timestamp) (model.OperationKind, error) {
				e.(*model.Invoice).RecordPayment(100, ts)
				return model.OpUpdate, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, found, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(writers*100), snap["paid_cents"])

	count, err := r.store.OperationCount()
	require.NoError(t, err)
	assert.Equal(t, writers+1, count)
}

func TestMutateUnknownEntity(t *testing.T) {
	r := newTestResolver(t, "n1")

	_, err := r.Mutate(model.TypeInvoice, "inv-missing", func(e model.Entity, ts clock.Timestamp) (model.OperationKind, error) {
		return model.OpUpdate, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateAbortsOnMutatorError(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	_, err = r.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	boom := errors.New("rejected")
	_, err = r.Mutate(model.TypeInvoice, "inv-1", func(e model.Entity, ts clock.Timestamp) (model.OperationKind, error) {
		e.(*model.Invoice).RecordPayment(100, ts)
		return model.OpUpdate, boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing was committed.
	snap, _, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap["paid_cents"])
	count, err := r.store.OperationCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyIsIdempotent(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	inv.RecordPayment(250, ts)
	op, err := model.NewOperation(model.OpCreate, inv, ts)
	require.NoError(t, err)

	require.NoError(t, r.Apply(op))
	snapOnce, _, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)

	require.NoError(t, r.Apply(op))
	snapTwice, _, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)

	assert.Equal(t, snapOnce, snapTwice)

	count, err := r.store.OperationCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyMalformedPayloadSkipsAndRecords(t *testing.T) {
	r := newTestResolver(t, "n1")

	op := &model.Operation{
		ID:         "op-bad",
		EntityType: model.TypeInvoice,
		EntityID:   "inv-1",
		Kind:       model.OpUpdate,
		Payload:    json.RawMessage(`{"meta": "nope"}`),
		Timestamp:  clock.Timestamp{WallMillis: 10, NodeID: "n2"},
		NodeID:     "n2",
	}

	err := r.Apply(op)
	assert.ErrorIs(t, err, model.ErrMalformedPayload)

	failures, err := r.store.Failures(0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "op-bad", failures[0].OperationID)

	// The bad operation must not have created an entity or a log entry.
	_, found, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplyDeleteUpdateConflictNotifies(t *testing.T) {
	r := newTestResolver(t, "n1")

	// Shared base created locally.
	baseTS, err := r.clock.Now()
	require.NoError(t, err)
	base := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, baseTS)
	_, err = r.SubmitLocal(model.OpCreate, base)
	require.NoError(t, err)

	baseData, err := model.EncodeEntity(base)
	require.NoError(t, err)

	// Node A deletes, node B updates, both from the same base version.
	onA, err := model.DecodeEntity(model.TypeInvoice, baseData)
	require.NoError(t, err)
	onA.(*model.Invoice).MarkDeleted(clock.Timestamp{WallMillis: baseTS.WallMillis + 10, NodeID: "node-a"})
	opA, err := model.NewOperation(model.OpDelete, onA, clock.Timestamp{WallMillis: baseTS.WallMillis + 10, NodeID: "node-a"})
	require.NoError(t, err)

	onB, err := model.DecodeEntity(model.TypeInvoice, baseData)
	require.NoError(t, err)
	onB.(*model.Invoice).UpdateStatus(model.InvoiceStatusSent, clock.Timestamp{WallMillis: baseTS.WallMillis + 11, NodeID: "node-b"})
	opB, err := model.NewOperation(model.OpUpdate, onB, clock.Timestamp{WallMillis: baseTS.WallMillis + 11, NodeID: "node-b"})
	require.NoError(t, err)

	require.NoError(t, r.Apply(opA))
	require.NoError(t, r.Apply(opB))

	// opB is concurrent with the state after opA.
	select {
	case conflict := <-r.Conflicts():
		assert.Equal(t, "inv-1", conflict.EntityID)
	default:
		t.Fatal("expected a conflict notification")
	}

	snap, found, err := r.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, snap["deleted"])
	assert.Equal(t, model.InvoiceStatusSent, snap["status"])
}

func TestConvergenceUnderReorderingAndDuplication(t *testing.T) {
	// Build a pool of operations from three writer nodes against one
	// invoice, then apply them to two fresh replicas in different orders
	// with duplicates. Both replicas must end in identical state.
	writer := newTestResolver(t, "writer")
	ts, err := writer.clock.Now()
	require.NoError(t, err)
	base := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	baseData, err := model.EncodeEntity(base)
	require.NoError(t, err)

	var ops []*model.Operation
	createOp, err := model.NewOperation(model.OpCreate, base, ts)
	require.NoError(t, err)
	ops = append(ops, createOp)

	for i, node := range []string{"node-a", "node-b", "node-c"} {
		replica, err := model.DecodeEntity(model.TypeInvoice, baseData)
		require.NoError(t, err)
		inv := replica.(*model.Invoice)
		mutTS := clock.Timestamp{WallMillis: ts.WallMillis + uint64(10*(i+1)), NodeID: node}
		inv.RecordPayment(uint64(100*(i+1)), mutTS)
		inv.AddTag(node, mutTS)
		op, err := model.NewOperation(model.OpUpdate, inv, mutTS)
		require.NoError(t, err)
		ops = append(ops, op)
	}

	apply := func(r *Resolver, order []int, dupes bool) {
		for _, idx := range order {
			err := r.Apply(ops[idx])
			require.NoError(t, err)
			if dupes {
				require.NoError(t, r.Apply(ops[idx]))
			}
		}
	}

	r1 := newTestResolver(t, "r1")
	r2 := newTestResolver(t, "r2")

	order1 := []int{0, 1, 2, 3}
	order2 := []int{3, 2, 1, 0}
	rand.New(rand.NewSource(42)).Shuffle(len(order2), func(i, j int) {
		order2[i], order2[j] = order2[j], order2[i]
	})

	apply(r1, order1, false)
	apply(r2, order2, true)

	snap1, _, err := r1.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	snap2, _, err := r2.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)

	assert.Equal(t, int64(600), snap1["paid_cents"])
	assert.ElementsMatch(t, snap1["tags"], snap2["tags"])
	snap1["tags"], snap2["tags"] = nil, nil
	assert.Equal(t, snap1, snap2)
}

func TestSeedClockAdvancesPastHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bizsync.db")

	st, err := store.Open(path, zap.NewNop())
	require.NoError(t, err)
	r := New(st, clock.New("n1"), nil, zap.NewNop())

	ts, err := r.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	op, err := r.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopen with a wall clock stuck in the past.
	st, err = store.Open(path, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	restarted := New(st, clock.NewWithWall("n1", func() uint64 { return 1 }), nil, zap.NewNop())
	require.NoError(t, restarted.SeedClock())

	next, err := restarted.clock.Now()
	require.NoError(t, err)
	assert.True(t, next.After(op.Timestamp))
}

func TestSnapshotAllSkipsDeleted(t *testing.T) {
	r := newTestResolver(t, "n1")

	ts1, err := r.clock.Now()
	require.NoError(t, err)
	live := model.NewInvoice("inv-1", "INV-001", "cust-1", 100, ts1)
	_, err = r.SubmitLocal(model.OpCreate, live)
	require.NoError(t, err)

	ts2, err := r.clock.Now()
	require.NoError(t, err)
	dead := model.NewInvoice("inv-2", "INV-002", "cust-1", 100, ts2)
	_, err = r.SubmitLocal(model.OpCreate, dead)
	require.NoError(t, err)

	ts3, err := r.clock.Now()
	require.NoError(t, err)
	dead.MarkDeleted(ts3)
	_, err = r.SubmitLocal(model.OpDelete, dead)
	require.NoError(t, err)

	snaps, err := r.SnapshotAll(model.TypeInvoice)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "inv-1", snaps[0]["id"])
}
