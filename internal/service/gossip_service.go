package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/metrics"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

// GossipService manages cluster membership. Each member advertises its sync
// endpoint in the node meta; join and leave events feed the sync engine's
// remote list and the scheduler, so peers discovered over gossip are synced
// without any static configuration.
type GossipService struct {
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	meta       nodeMeta

	engine    *SyncEngine
	scheduler *SyncScheduler
}

// GossipConfig holds gossip protocol configuration. Whether gossip runs at
// all is the caller's decision; constructing the service always joins.
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is the payload each member advertises through memberlist.
type nodeMeta struct {
	NodeID   string `json:"node_id"`
	SyncAddr string `json:"sync_addr"`
}

// NewGossipService creates the gossip service and joins the seed nodes.
// syncAddr is the HTTP sync endpoint this node advertises to peers.
func NewGossipService(
	cfg *GossipConfig,
	nodeID string,
	syncAddr string,
	engine *SyncEngine,
	scheduler *SyncScheduler,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*GossipService, error) {
	gs := &GossipService{
		nodeID:    nodeID,
		logger:    logger,
		metrics:   m,
		engine:    engine,
		scheduler: scheduler,
		meta: nodeMeta{
			NodeID:   nodeID,
			SyncAddr: syncAddr,
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	gs.observeMembers()
	return gs, nil
}

// Members returns the node ids of the current cluster members.
func (s *GossipService) Members() []string {
	members := s.memberlist.Members()
	out := make([]string, 0, len(members))
	for _, member := range members {
		out = append(out, member.Name)
	}
	return out
}

// Shutdown leaves the cluster and stops gossiping.
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.meta)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

func (s *GossipService) observeMembers() {
	if s.metrics != nil {
		s.metrics.GossipMembers.Set(float64(s.memberlist.NumMembers()))
	}
}

func (s *GossipService) handleJoin(node *memberlist.Node) {
	if node.Name == s.nodeID {
		return
	}

	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.SyncAddr == "" {
		s.logger.Warn("Joined node carries no usable sync address",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}

	remote := transport.RemoteNode{NodeID: meta.NodeID, Address: meta.SyncAddr}
	s.engine.AddRemote(remote)
	if s.scheduler != nil {
		if err := s.scheduler.WatchRemote(remote); err != nil {
			s.logger.Warn("Failed to schedule sync for joined node",
				zap.String("node_id", meta.NodeID),
				zap.Error(err))
		}
	}
}

func (s *GossipService) handleLeave(node *memberlist.Node) {
	if node.Name == s.nodeID {
		return
	}
	s.engine.RemoveRemote(node.Name)
	if s.scheduler != nil {
		s.scheduler.UnwatchRemote(node.Name)
	}
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.handleJoin(node)
	d.service.observeMembers()
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.handleLeave(node)
	d.service.observeMembers()
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
