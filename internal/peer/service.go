package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/metrics"
	"github.com/siva-sub/bizsync-sub011/internal/model"
	"github.com/siva-sub/bizsync-sub011/internal/resolver"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

// ServiceConfig holds the sync scheduling configuration.
type ServiceConfig struct {
	Interval       time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// State is the sync lifecycle of one peer. Discovery itself runs
// continuously in memberlist; a peer is discovering from first sighting
// until its first sync attempt, then cycles idle → connecting → connected →
// syncing → idle, or disconnected on failure.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateSyncing
	StateDisconnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// peerState tracks per-peer lifecycle and retry scheduling.
type peerState struct {
	state       State
	backoff     time.Duration
	nextAttempt time.Time
}

// Service periodically exchanges operations with every discovered peer.
// Each round pushes local operations the peer has not acknowledged, then
// pulls and applies the peer's pending operations. Unreachable peers are
// retried with exponential backoff; nothing is ever dropped, only delayed.
type Service struct {
	config    *ServiceConfig
	nodeID    string
	clock     *clock.Clock
	resolver  *resolver.Resolver
	store     *store.Store
	client    *Client
	discovery *Discovery
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	peers  map[string]*peerState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the sync service.
func NewService(
	cfg *ServiceConfig,
	nodeID string,
	clk *clock.Clock,
	res *resolver.Resolver,
	st *store.Store,
	disc *Discovery,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		config:    cfg,
		nodeID:    nodeID,
		clock:     clk,
		resolver:  res,
		store:     st,
		client:    NewClient(cfg.RequestTimeout),
		discovery: disc,
		metrics:   m,
		logger:    logger,
		peers:     make(map[string]*peerState),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background sync loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Sync service started", zap.Duration("interval", s.config.Interval))
}

// Stop halts the sync loop and waits for in-flight rounds to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Sync service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncAll()
		}
	}
}

// SyncNow runs one round against every known peer. Exposed for tests and
// used internally by the ticker loop.
func (s *Service) SyncNow() {
	s.syncAll()
}

func (s *Service) syncAll() {
	now := time.Now()
	for _, peer := range s.discovery.Peers() {
		s.noteDiscovered(peer.NodeID)
		if !s.due(peer.NodeID, now) {
			continue
		}

		start := time.Now()
		err := s.syncPeer(peer)
		if s.metrics != nil {
			s.metrics.SyncRoundsTotal.WithLabelValues(peer.NodeID).Inc()
			s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
		}

		if err != nil {
			s.recordFailure(peer, err)
		} else {
			s.recordSuccess(peer.NodeID)
		}

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

// syncPeer runs one full exchange: session open, push, pull, ack. Every
// network call gets its own deadline so a slow connect cannot eat the batch
// budget, and the round is cancellable between the push and pull batches.
func (s *Service) syncPeer(peer Peer) error {
	s.setState(peer.NodeID, StateConnecting)
	ours, err := s.clock.Now()
	if err != nil {
		return err
	}
	ctx, cancel := s.callContext()
	connResp, err := s.client.Connect(ctx, peer, &ConnectRequest{NodeID: s.nodeID, Clock: ours})
	cancel()
	if err != nil {
		return err
	}
	if !connResp.Clock.IsZero() {
		if err := s.clock.Observe(connResp.Clock); err != nil {
			return err
		}
	}
	s.setState(peer.NodeID, StateConnected)

	s.setState(peer.NodeID, StateSyncing)
	if err := s.push(peer); err != nil {
		return err
	}

	select {
	case <-s.stopCh:
		// Acknowledgment state is exactly as of the last completed batch.
		return nil
	default:
	}
	return s.pull(peer)
}

func (s *Service) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.RequestTimeout)
}

// push sends operations the peer has not yet acknowledged and records the
// acknowledgments it returns.
func (s *Service) push(peer Peer) error {
	ops, err := s.store.UnackedOperations(peer.NodeID, s.config.BatchSize)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	ctx, cancel := s.callContext()
	defer cancel()
	resp, err := s.client.SendOps(ctx, peer, &OpBatch{NodeID: s.nodeID, Operations: ops})
	if err != nil {
		return err
	}

	// Skipped operations are acknowledged too: the peer has recorded them
	// and will never apply them, so resending is pointless.
	acked := append([]string(nil), resp.AppliedIDs...)
	for _, failure := range resp.Failed {
		s.logger.Warn("Peer rejected operation",
			zap.String("peer_id", peer.NodeID),
			zap.String("operation_id", failure.ID),
			zap.String("reason", failure.Error))
		acked = append(acked, failure.ID)
	}
	if err := s.store.AckOperations(peer.NodeID, acked); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OpsSentTotal.Add(float64(len(resp.AppliedIDs)))
	}
	s.logger.Debug("Pushed operations",
		zap.String("peer_id", peer.NodeID),
		zap.Int("sent", len(ops)),
		zap.Int("applied", len(resp.AppliedIDs)))
	return nil
}

// pull fetches the peer's pending operations, applies them, and confirms
// what was durably applied.
func (s *Service) pull(peer Peer) error {
	pullCtx, cancelPull := s.callContext()
	resp, err := s.client.Pull(pullCtx, peer, &PullRequest{NodeID: s.nodeID, Limit: s.config.BatchSize})
	cancelPull()
	if err != nil {
		return err
	}
	if len(resp.Operations) == 0 {
		return nil
	}

	applied := make([]string, 0, len(resp.Operations))
	for _, op := range resp.Operations {
		if err := s.resolver.Apply(op); err != nil {
			if errors.Is(err, model.ErrMalformedPayload) || errors.Is(err, model.ErrUnknownEntityType) {
				// Recorded in the failure log; confirm so the peer stops
				// resending it.
				applied = append(applied, op.ID)
				continue
			}
			return err
		}
		applied = append(applied, op.ID)
	}

	if s.metrics != nil {
		s.metrics.OpsReceivedTotal.Add(float64(len(applied)))
	}

	ackCtx, cancelAck := s.callContext()
	defer cancelAck()
	_, err = s.client.Ack(ackCtx, peer, &AckRequest{NodeID: s.nodeID, OperationIDs: applied})
	if err != nil {
		// The operations are applied locally; a lost ack only means the
		// peer resends them and dedup discards the copies.
		s.logger.Warn("Failed to acknowledge pulled operations",
			zap.String("peer_id", peer.NodeID), zap.Error(err))
		return err
	}

	s.logger.Debug("Pulled operations",
		zap.String("peer_id", peer.NodeID),
		zap.Int("applied", len(applied)))
	return nil
}

// PeerState reports the sync lifecycle state of one peer. Unknown peers
// are idle.
func (s *Service) PeerState(peerID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.peers[peerID]; ok {
		return state.state
	}
	return StateIdle
}

// noteDiscovered registers a newly sighted peer in the discovering state.
// Known peers are left untouched.
func (s *Service) noteDiscovered(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; !ok {
		s.peers[peerID] = &peerState{state: StateDiscovering}
	}
}

func (s *Service) setState(peerID string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	if !ok {
		state = &peerState{}
		s.peers[peerID] = state
	}
	state.state = st
}

func (s *Service) due(peerID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	if !ok {
		return true
	}
	return !now.Before(state.nextAttempt)
}

func (s *Service) recordSuccess(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.peers[peerID]; ok {
		state.state = StateIdle
		state.backoff = 0
		state.nextAttempt = time.Time{}
	}
}

func (s *Service) recordFailure(peer Peer, err error) {
	if s.metrics != nil {
		s.metrics.SyncFailuresTotal.WithLabelValues(peer.NodeID).Inc()
	}

	var connErr *ConnError
	retryable := errors.As(err, &connErr) && connErr.Retryable

	s.mu.Lock()
	state, ok := s.peers[peer.NodeID]
	if !ok {
		state = &peerState{}
		s.peers[peer.NodeID] = state
	}
	state.state = StateDisconnected
	if state.backoff == 0 {
		state.backoff = s.config.BackoffMin
	} else {
		state.backoff *= 2
		if state.backoff > s.config.BackoffMax {
			state.backoff = s.config.BackoffMax
		}
	}
	state.nextAttempt = time.Now().Add(state.backoff)
	backoff := state.backoff
	s.mu.Unlock()

	s.logger.Warn("Sync round failed",
		zap.String("peer_id", peer.NodeID),
		zap.Bool("retryable", retryable),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}
