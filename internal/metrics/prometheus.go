// Package metrics exposes Prometheus instrumentation for the sync node.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for a sync node.
type Metrics struct {
	// Operation apply metrics
	OpsAppliedTotal   prometheus.Counter
	OpsDuplicateTotal prometheus.Counter
	OpsFailedTotal    prometheus.Counter
	OpsLocalTotal     prometheus.Counter
	ApplyDuration     prometheus.Histogram

	// Conflict metrics
	ConflictsDetectedTotal prometheus.Counter
	ConflictsDroppedTotal  prometheus.Counter

	// Sync metrics
	SyncRoundsTotal   *prometheus.CounterVec
	SyncFailuresTotal *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	OpsSentTotal      prometheus.Counter
	OpsReceivedTotal  prometheus.Counter

	// Cluster metrics
	GossipMembers prometheus.Gauge
	OpLogEntries  prometheus.Gauge
}

// New creates and registers all metrics labelled with the node id.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		OpsAppliedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "ops_applied_total",
			Help:        "Total number of operations applied",
			ConstLabels: labels,
		}),
		OpsDuplicateTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "ops_duplicate_total",
			Help:        "Total number of duplicate operations skipped",
			ConstLabels: labels,
		}),
		OpsFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "ops_failed_total",
			Help:        "Total number of operations that failed to apply",
			ConstLabels: labels,
		}),
		OpsLocalTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "ops_local_total",
			Help:        "Total number of locally originated operations",
			ConstLabels: labels,
		}),
		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "apply_duration_seconds",
			Help:        "Histogram of operation apply durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ConflictsDetectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "conflicts_detected_total",
			Help:        "Total number of concurrent updates detected",
			ConstLabels: labels,
		}),
		ConflictsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "resolver",
			Name:        "conflicts_dropped_total",
			Help:        "Total number of conflict notifications dropped due to a full queue",
			ConstLabels: labels,
		}),
		SyncRoundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "sync",
			Name:        "rounds_total",
			Help:        "Total number of completed sync rounds per peer",
			ConstLabels: labels,
		}, []string{"peer_id"}),
		SyncFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "sync",
			Name:        "failures_total",
			Help:        "Total number of failed sync attempts per peer",
			ConstLabels: labels,
		}, []string{"peer_id"}),
		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "bizsync",
			Subsystem:   "sync",
			Name:        "round_duration_seconds",
			Help:        "Histogram of sync round durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		OpsSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "sync",
			Name:        "ops_sent_total",
			Help:        "Total number of operations sent to peers",
			ConstLabels: labels,
		}),
		OpsReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "bizsync",
			Subsystem:   "sync",
			Name:        "ops_received_total",
			Help:        "Total number of operations received from peers",
			ConstLabels: labels,
		}),
		GossipMembers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bizsync",
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Current number of known cluster members",
			ConstLabels: labels,
		}),
		OpLogEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bizsync",
			Subsystem:   "store",
			Name:        "oplog_entries",
			Help:        "Current number of operations in the log",
			ConstLabels: labels,
		}),
	}
}

// Server serves the metrics endpoint on its own port.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates a metrics HTTP server.
func NewServer(port int, path string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Stop is called.
func (s *Server) Start() {
	s.logger.Info("Metrics server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", zap.Error(err))
	}
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}
