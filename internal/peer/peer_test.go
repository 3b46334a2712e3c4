package peer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/model"
	"github.com/siva-sub/bizsync-sub011/internal/resolver"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

// testNode bundles one node's full stack behind an httptest server.
type testNode struct {
	nodeID   string
	clock    *clock.Clock
	store    *store.Store
	resolver *resolver.Resolver
	server   *httptest.Server
}

func newTestNode(t *testing.T, nodeID string) *testNode {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bizsync.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.New(nodeID)
	res := resolver.New(st, clk, nil, zap.NewNop())

	srv := NewServer(&ServerConfig{ShutdownTimeout: time.Second}, nodeID, clk, res, st, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testNode{nodeID: nodeID, clock: clk, store: st, resolver: res, server: ts}
}

// peer returns the address another node uses to reach this one.
func (n *testNode) peer() Peer {
	return Peer{NodeID: n.nodeID, SyncAddr: strings.TrimPrefix(n.server.URL, "http://")}
}

func newTestService(t *testing.T, n *testNode) *Service {
	t.Helper()
	cfg := &ServiceConfig{
		Interval:       time.Minute,
		BatchSize:      100,
		RequestTimeout: 2 * time.Second,
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}
	return NewService(cfg, n.nodeID, n.clock, n.resolver, n.store, nil, nil, zap.NewNop())
}

func TestConnectExchangesClocks(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	// Give node-b a clock decades ahead of node-a's wall time.
	aheadClock := clock.NewWithWall("node-b", func() uint64 { return 4_102_444_800_000 })
	ahead, err := aheadClock.Now()
	require.NoError(t, err)
	require.NoError(t, b.clock.Observe(ahead))

	client := NewClient(2 * time.Second)
	ours, err := a.clock.Now()
	require.NoError(t, err)
	resp, err := client.Connect(context.Background(), b.peer(), &ConnectRequest{NodeID: "node-a", Clock: ours})
	require.NoError(t, err)
	assert.Equal(t, "node-b", resp.NodeID)

	require.NoError(t, a.clock.Observe(resp.Clock))
	next, err := a.clock.Now()
	require.NoError(t, err)
	assert.True(t, next.After(resp.Clock))
}

func TestPushPullConvergence(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	// Concurrent writes: the same invoice is created on A, while B creates
	// a customer. After one round in each direction both nodes hold both.
	tsA, err := a.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 2500, tsA)
	inv.RecordPayment(500, tsA)
	_, err = a.resolver.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	tsB, err := b.clock.Now()
	require.NoError(t, err)
	cust := model.NewCustomer("cust-1", "Acme Pte Ltd", tsB)
	_, err = b.resolver.SubmitLocal(model.OpCreate, cust)
	require.NoError(t, err)

	svcA := newTestService(t, a)
	svcB := newTestService(t, b)

	require.NoError(t, svcA.syncPeer(b.peer()))
	require.NoError(t, svcB.syncPeer(a.peer()))

	for _, n := range []*testNode{a, b} {
		snap, found, err := n.resolver.Snapshot(model.TypeInvoice, "inv-1")
		require.NoError(t, err, n.nodeID)
		require.True(t, found, n.nodeID)
		assert.Equal(t, int64(500), snap["paid_cents"], n.nodeID)

		snap, found, err = n.resolver.Snapshot(model.TypeCustomer, "cust-1")
		require.NoError(t, err, n.nodeID)
		require.True(t, found, n.nodeID)
		assert.Equal(t, "Acme Pte Ltd", snap["name"], n.nodeID)
	}
}

func TestPushAcksSoRoundsAreIncremental(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	ts, err := a.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	_, err = a.resolver.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	svc := newTestService(t, a)
	require.NoError(t, svc.syncPeer(b.peer()))

	// Everything is acknowledged; the next round has nothing to push.
	pending, err := a.store.UnackedOperations("node-b", 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestServerSkipsMalformedOperations(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	ts, err := a.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, ts)
	good, err := model.NewOperation(model.OpCreate, inv, ts)
	require.NoError(t, err)

	bad := &model.Operation{
		ID:         "op-bad",
		EntityType: model.TypeInvoice,
		EntityID:   "inv-2",
		Kind:       model.OpUpdate,
		Payload:    json.RawMessage(`{"meta": 42}`),
		Timestamp:  clock.Timestamp{WallMillis: ts.WallMillis, NodeID: "node-a"},
		NodeID:     "node-a",
	}

	client := NewClient(2 * time.Second)
	resp, err := client.SendOps(context.Background(), b.peer(), &OpBatch{
		NodeID:     "node-a",
		Operations: []*model.Operation{bad, good},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{good.ID}, resp.AppliedIDs)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "op-bad", resp.Failed[0].ID)

	// The good operation landed despite the bad one coming first.
	_, found, err := b.resolver.Snapshot(model.TypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBackoffDoublesAndResets(t *testing.T) {
	a := newTestNode(t, "node-a")
	svc := newTestService(t, a)

	unreachable := Peer{NodeID: "ghost", SyncAddr: "127.0.0.1:1"}
	err := svc.syncPeer(unreachable)
	require.Error(t, err)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Retryable)

	svc.recordFailure(unreachable, err)
	assert.False(t, svc.due("ghost", time.Now()))
	assert.Equal(t, StateDisconnected, svc.PeerState("ghost"))
	first := svc.peers["ghost"].backoff
	assert.Equal(t, svc.config.BackoffMin, first)

	svc.recordFailure(unreachable, err)
	assert.Equal(t, 2*first, svc.peers["ghost"].backoff)

	// Backoff is clamped at the maximum.
	for i := 0; i < 10; i++ {
		svc.recordFailure(unreachable, err)
	}
	assert.Equal(t, svc.config.BackoffMax, svc.peers["ghost"].backoff)

	svc.recordSuccess("ghost")
	assert.True(t, svc.due("ghost", time.Now()))
	assert.Equal(t, StateIdle, svc.PeerState("ghost"))
}

func TestNewPeerStartsDiscovering(t *testing.T) {
	a := newTestNode(t, "node-a")
	svc := newTestService(t, a)

	assert.Equal(t, StateIdle, svc.PeerState("node-b"))
	svc.noteDiscovered("node-b")
	assert.Equal(t, StateDiscovering, svc.PeerState("node-b"))

	// First sighting only; an attempted peer keeps its lifecycle state.
	svc.recordSuccess("node-b")
	svc.noteDiscovered("node-b")
	assert.Equal(t, StateIdle, svc.PeerState("node-b"))
}

func TestSyncPeerStopsBetweenBatches(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	// Pending work on both sides.
	tsB, err := b.clock.Now()
	require.NoError(t, err)
	cust := model.NewCustomer("cust-1", "Acme Pte Ltd", tsB)
	_, err = b.resolver.SubmitLocal(model.OpCreate, cust)
	require.NoError(t, err)

	tsA, err := a.clock.Now()
	require.NoError(t, err)
	inv := model.NewInvoice("inv-1", "INV-001", "cust-1", 1000, tsA)
	_, err = a.resolver.SubmitLocal(model.OpCreate, inv)
	require.NoError(t, err)

	svc := newTestService(t, a)
	close(svc.stopCh)
	require.NoError(t, svc.syncPeer(b.peer()))

	// The push batch completed and was acknowledged.
	pending, err := a.store.UnackedOperations("node-b", 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The pull batch never ran: the round stopped between batches.
	_, found, err := a.resolver.Snapshot(model.TypeCustomer, "cust-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientRejectsWithoutRetryOn4xx(t *testing.T) {
	b := newTestNode(t, "node-b")

	client := NewClient(2 * time.Second)
	_, err := client.Pull(context.Background(), b.peer(), &PullRequest{NodeID: "", Limit: 10})
	require.Error(t, err)

	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Retryable)
}

func TestNodeMetaRoundTrip(t *testing.T) {
	meta := Meta{NodeID: "node-a", SyncAddr: "10.0.0.1:7847"}
	d := &Discovery{meta: meta, logger: zap.NewNop()}

	data := d.NodeMeta(memberlistMetaLimit)
	require.NotNil(t, data)

	var decoded Meta
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, meta, decoded)
}

// memberlist caps node metadata at 512 bytes.
const memberlistMetaLimit = 512
