package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/metrics"
	"github.com/siva-sub/bizsync-sub011/internal/model"
	"github.com/siva-sub/bizsync-sub011/internal/resolver"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

// ServerConfig holds the sync HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes the sync protocol to peers.
type Server struct {
	config     *ServerConfig
	nodeID     string
	clock      *clock.Clock
	resolver   *resolver.Resolver
	store      *store.Store
	metrics    *metrics.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates the sync server.
func NewServer(
	cfg *ServerConfig,
	nodeID string,
	clk *clock.Clock,
	res *resolver.Resolver,
	st *store.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		config:   cfg,
		nodeID:   nodeID,
		clock:    clk,
		resolver: res,
		store:    st,
		metrics:  m,
		router:   mux.NewRouter(),
		logger:   logger,
	}

	s.router.Use(s.logging)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1/sync").Subrouter()
	v1.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/ops", s.handleOps).Methods(http.MethodPost)
	v1.HandleFunc("/pull", s.handlePull).Methods(http.MethodPost)
	v1.HandleFunc("/ack", s.handleAck).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router returns the HTTP handler, used by tests to serve from httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() {
	s.logger.Info("Sync server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Sync server failed", zap.Error(err))
	}
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": s.nodeID})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing node_id"))
		return
	}

	if !req.Clock.IsZero() {
		if err := s.clock.Observe(req.Clock); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.logger.Debug("Sync session opened", zap.String("peer_id", req.NodeID))
	s.writeJSON(w, http.StatusOK, ConnectResponse{NodeID: s.nodeID, Clock: s.clock.Last()})
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	var batch OpBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := OpBatchResponse{NodeID: s.nodeID}
	for _, op := range batch.Operations {
		err := s.resolver.Apply(op)
		switch {
		case err == nil:
			resp.AppliedIDs = append(resp.AppliedIDs, op.ID)
		case s.skippable(err):
			// The bad operation is recorded locally; reporting it as
			// failed stops the sender from retrying it forever.
			resp.Failed = append(resp.Failed, OpFailure{ID: op.ID, Error: err.Error()})
		default:
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	if s.metrics != nil {
		s.metrics.OpsReceivedTotal.Add(float64(len(resp.AppliedIDs)))
	}
	s.logger.Debug("Applied operation batch",
		zap.String("peer_id", batch.NodeID),
		zap.Int("applied", len(resp.AppliedIDs)),
		zap.Int("failed", len(resp.Failed)))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing node_id"))
		return
	}

	ops, err := s.store.UnackedOperations(req.NodeID, req.Limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PullResponse{NodeID: s.nodeID, Operations: ops})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing node_id"))
		return
	}

	if err := s.store.AckOperations(req.NodeID, req.OperationIDs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AckResponse{NodeID: s.nodeID, Acked: len(req.OperationIDs)})
}

// skippable reports whether an apply error affects only that operation.
func (s *Server) skippable(err error) bool {
	return errors.Is(err, model.ErrMalformedPayload) || errors.Is(err, model.ErrUnknownEntityType)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("Sync request failed", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
