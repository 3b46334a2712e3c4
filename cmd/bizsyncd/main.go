package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/config"
	"github.com/siva-sub/bizsync-sub011/internal/metrics"
	"github.com/siva-sub/bizsync-sub011/internal/peer"
	"github.com/siva-sub/bizsync-sub011/internal/resolver"
	"github.com/siva-sub/bizsync-sub011/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.ID),
		zap.String("data_dir", cfg.Node.DataDir),
		zap.Int("sync_port", cfg.Server.Port))

	// Create data directory
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	// Open the durable store
	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "bizsync.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Initialize metrics
	m := metrics.New(cfg.Node.ID)

	// Initialize clock and resolver, advancing the clock past stored history
	clk := clock.New(cfg.Node.ID)
	res := resolver.New(st, clk, m, logger)
	if err := res.SeedClock(); err != nil {
		logger.Fatal("Failed to seed clock from operation log", zap.Error(err))
	}

	// Initialize gossip discovery if enabled
	var discovery *peer.Discovery
	if cfg.Gossip.Enabled {
		syncAddr := fmt.Sprintf("%s:%d", advertiseHost(cfg.Server.Host), cfg.Server.Port)
		discovery, err = peer.NewDiscovery(
			&peer.DiscoveryConfig{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			peer.Meta{NodeID: cfg.Node.ID, SyncAddr: syncAddr},
			m,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize discovery", zap.Error(err))
		}
		defer discovery.Shutdown()
		logger.Info("Discovery initialized",
			zap.Int("bind_port", cfg.Gossip.BindPort),
			zap.Strings("seed_nodes", cfg.Gossip.SeedNodes))
	}

	// Start the sync server
	syncServer := peer.NewServer(
		&peer.ServerConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		cfg.Node.ID, clk, res, st, m, logger,
	)
	go syncServer.Start()

	// Start the sync service when peers can be discovered
	var syncService *peer.Service
	if discovery != nil {
		syncService = peer.NewService(
			&peer.ServiceConfig{
				Interval:       cfg.Sync.Interval,
				BatchSize:      cfg.Sync.BatchSize,
				RequestTimeout: cfg.Sync.RequestTimeout,
				BackoffMin:     cfg.Sync.BackoffMin,
				BackoffMax:     cfg.Sync.BackoffMax,
			},
			cfg.Node.ID, clk, res, st, discovery, m, logger,
		)
		syncService.Start()
	}

	// Start the metrics server if enabled
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go metricsServer.Start()
	}

	// Drain conflict notifications into the log so operators see them
	go func() {
		for conflict := range res.Conflicts() {
			logger.Info("Concurrent update resolved",
				zap.String("entity_type", conflict.EntityType),
				zap.String("entity_id", conflict.EntityID),
				zap.String("remote_node", conflict.RemoteNode))
		}
	}()

	logger.Info("Node started", zap.String("node_id", cfg.Node.ID))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if syncService != nil {
		syncService.Stop()
	}
	if err := syncServer.Stop(); err != nil {
		logger.Error("Failed to stop sync server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
}

// advertiseHost maps a wildcard bind address to a loopback default for the
// gossiped sync endpoint. Deployments behind NAT set an explicit host.
func advertiseHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// initLogger initializes the zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zap.AtomicLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
