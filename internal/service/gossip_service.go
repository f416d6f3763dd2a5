package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/metrics"
)

// GossipService spreads each replica's server state through the cluster.
// Peers' states tell how far they are behind, which drives change log
// purging and recovery of a peer that rejoins.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	replicaID  uint32
	local      *csn.ServerState
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.RWMutex
	peers   map[string]*csn.ServerState
	members atomic.Int32
}

// gossipState is the payload exchanged on push/pull
type gossipState struct {
	ReplicaID uint32   `json:"replica_id"`
	State     []string `json:"state"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	PushPullPeriod time.Duration
	// OnPeerState is called with every state received from a peer.
	OnPeerState func(name string, state *csn.ServerState)
}

// NewGossipService creates the memberlist node and joins the seed nodes.
func NewGossipService(cfg *GossipConfig, replicaID uint32, local *csn.ServerState, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:    cfg,
		replicaID: replicaID,
		local:     local,
		metrics:   m,
		logger:    logger,
		peers:     make(map[string]*csn.ServerState),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeName(replicaID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
		mlConfig.AdvertiseAddr = cfg.BindAddr
	}
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
	if cfg.PushPullPeriod > 0 {
		mlConfig.PushPullInterval = cfg.PushPullPeriod
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

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

	return gs, nil
}

func nodeName(replicaID uint32) string {
	return "replica-" + strconv.FormatUint(uint64(replicaID), 10)
}

// Addr returns the address other nodes join through.
func (s *GossipService) Addr() string {
	n := s.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Join joins the cluster through addrs.
func (s *GossipService) Join(addrs ...string) error {
	_, err := s.memberlist.Join(addrs)
	return err
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data := []byte(strconv.FormatUint(uint64(s.replicaID), 10))
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.metrics.RecordGossipMessage("state")
	s.mergeState(data)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, err := json.Marshal(gossipState{ReplicaID: s.replicaID, State: s.local.Encode()})
	if err != nil {
		s.logger.Warn("Failed to marshal server state", zap.Error(err))
		return nil
	}
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.metrics.RecordGossipMessage("push_pull")
	s.mergeState(buf)
}

func (s *GossipService) mergeState(buf []byte) {
	var msg gossipState
	if err := json.Unmarshal(buf, &msg); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if msg.ReplicaID == s.replicaID {
		return
	}
	state, err := csn.DecodeServerState(msg.State)
	if err != nil {
		s.logger.Warn("Ignoring invalid peer state",
			zap.Uint32("peer_replica_id", msg.ReplicaID),
			zap.Error(err))
		return
	}

	name := nodeName(msg.ReplicaID)
	s.mu.Lock()
	s.peers[name] = state
	s.mu.Unlock()

	s.logger.Debug("Received peer state",
		zap.String("node_id", name),
		zap.Strings("state", msg.State))
	if s.config.OnPeerState != nil {
		s.config.OnPeerState(name, state)
	}
}

// PeerStates returns the last state received from every live peer.
func (s *GossipService) PeerStates() map[string]*csn.ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*csn.ServerState, len(s.peers))
	for name, state := range s.peers {
		out[name] = state
	}
	return out
}

// LowWater returns the oldest CSN of this replica that every known peer has
// seen, or the zero CSN when a peer has seen none or no peer is known.
func (s *GossipService) LowWater() csn.CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var low csn.CSN
	for _, state := range s.peers {
		seen := state.Get(s.replicaID)
		if seen.IsZero() {
			return csn.CSN{}
		}
		if low.IsZero() || seen.Older(low) {
			low = seen
		}
	}
	return low
}

func (s *GossipService) forget(name string) {
	s.mu.Lock()
	delete(s.peers, name)
	s.mu.Unlock()
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins. Event callbacks run under
// memberlist's node lock and must not call back into it.
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.metrics.UpdateGossipStats(int(d.service.members.Add(1)))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.forget(node.Name)
	d.service.metrics.UpdateGossipStats(int(d.service.members.Add(-1)))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
