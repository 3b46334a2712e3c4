package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/siva-sub/bizsync-sub011/internal/metrics"
)

// DiscoveryConfig holds gossip discovery configuration.
type DiscoveryConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Discovery manages cluster membership and advertises this node's sync
// endpoint through memberlist gossip.
type Discovery struct {
	config     *DiscoveryConfig
	memberlist *memberlist.Memberlist
	meta       Meta
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewDiscovery creates a discovery service and joins the seed nodes.
func NewDiscovery(cfg *DiscoveryConfig, meta Meta, m *metrics.Metrics, logger *zap.Logger) (*Discovery, error) {
	d := &Discovery{
		config:  cfg,
		meta:    meta,
		metrics: m,
		logger:  logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = meta.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = d
	mlConfig.Events = &discoveryEvents{discovery: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	d.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return d, nil
}

// Peer identifies a reachable sync peer.
type Peer struct {
	NodeID   string
	SyncAddr string
}

// Peers returns all currently known peers, excluding this node. No ordering
// is guaranteed.
func (d *Discovery) Peers() []Peer {
	members := d.memberlist.Members()
	peers := make([]Peer, 0, len(members))
	for _, member := range members {
		if member.Name == d.meta.NodeID {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(member.Meta, &meta); err != nil {
			d.logger.Warn("Skipping peer with unreadable metadata",
				zap.String("member", member.Name),
				zap.Error(err))
			continue
		}
		if meta.SyncAddr == "" {
			continue
		}
		peers = append(peers, Peer{NodeID: meta.NodeID, SyncAddr: meta.SyncAddr})
	}
	if d.metrics != nil {
		d.metrics.GossipMembers.Set(float64(len(members)))
	}
	return peers
}

// Shutdown leaves the cluster and stops gossiping.
func (d *Discovery) Shutdown() error {
	if err := d.memberlist.Leave(time.Second); err != nil {
		d.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return d.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (d *Discovery) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(d.meta)
	if len(data) > limit {
		d.logger.Warn("Node metadata exceeds gossip limit", zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (d *Discovery) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (d *Discovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (d *Discovery) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (d *Discovery) MergeRemoteState(buf []byte, join bool) {}

// discoveryEvents logs membership changes.
type discoveryEvents struct {
	discovery *Discovery
}

// NotifyJoin is called when a node joins the cluster.
func (e *discoveryEvents) NotifyJoin(node *memberlist.Node) {
	e.discovery.logger.Info("Peer joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves the cluster.
func (e *discoveryEvents) NotifyLeave(node *memberlist.Node) {
	e.discovery.logger.Info("Peer left", zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node's metadata changes.
func (e *discoveryEvents) NotifyUpdate(node *memberlist.Node) {
	e.discovery.logger.Debug("Peer updated", zap.String("node_id", node.Name))
}
