package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
)

func newDetachedGossip(replicaID uint32, local *csn.ServerState) *GossipService {
	return &GossipService{
		config:    &GossipConfig{},
		replicaID: replicaID,
		local:     local,
		metrics:   newTestMetrics(),
		logger:    zap.NewNop(),
		peers:     make(map[string]*csn.ServerState),
	}
}

func encodedState(t *testing.T, replicaID uint32, csns ...csn.CSN) []byte {
	t.Helper()
	state := csn.NewServerState()
	for _, c := range csns {
		state.Update(c)
	}
	data, err := json.Marshal(gossipState{ReplicaID: replicaID, State: state.Encode()})
	require.NoError(t, err)
	return data
}

func TestGossip_MergeState(t *testing.T) {
	g := newDetachedGossip(2, csn.NewServerState())
	var notified []string
	g.config.OnPeerState = func(name string, _ *csn.ServerState) {
		notified = append(notified, name)
	}

	seen := csn.CSN{Time: 10, ReplicaID: 2}
	g.MergeRemoteState(encodedState(t, 1, seen), false)
	g.NotifyMsg([]byte("not json"))
	g.NotifyMsg(encodedState(t, 2, seen))

	peers := g.PeerStates()
	require.Len(t, peers, 1)
	assert.Equal(t, seen, peers["replica-1"].Get(2))
	assert.Equal(t, []string{"replica-1"}, notified)
}

func TestGossip_LowWater(t *testing.T) {
	g := newDetachedGossip(2, csn.NewServerState())
	assert.True(t, g.LowWater().IsZero(), "no peers")

	older := csn.CSN{Time: 10, ReplicaID: 2}
	newer := csn.CSN{Time: 20, ReplicaID: 2}
	g.MergeRemoteState(encodedState(t, 1, newer), false)
	g.MergeRemoteState(encodedState(t, 3, older, csn.CSN{Time: 30, ReplicaID: 1}), false)
	assert.Equal(t, older, g.LowWater())

	// a peer that saw nothing of this replica pins the log
	g.MergeRemoteState(encodedState(t, 4, csn.CSN{Time: 30, ReplicaID: 1}), false)
	assert.True(t, g.LowWater().IsZero())

	g.forget("replica-4")
	assert.Equal(t, older, g.LowWater())
}

func TestGossip_LocalState(t *testing.T) {
	local := csn.NewServerState()
	local.Update(csn.CSN{Time: 10, ReplicaID: 2})
	g := newDetachedGossip(2, local)

	var msg gossipState
	require.NoError(t, json.Unmarshal(g.LocalState(false), &msg))
	assert.Equal(t, uint32(2), msg.ReplicaID)
	assert.Equal(t, local.Encode(), msg.State)
	assert.Equal(t, []byte("2"), g.NodeMeta(16))
	assert.Nil(t, g.NodeMeta(0))
}

func TestGossip_TwoNodesExchangeStates(t *testing.T) {
	stateA := csn.NewServerState()
	stateA.Update(csn.CSN{Time: 10, ReplicaID: 1})
	stateB := csn.NewServerState()
	stateB.Update(csn.CSN{Time: 10, ReplicaID: 1})
	stateB.Update(csn.CSN{Time: 20, ReplicaID: 2})

	cfg := func() *GossipConfig {
		return &GossipConfig{
			BindAddr:       "127.0.0.1",
			GossipInterval: 50 * time.Millisecond,
			ProbeInterval:  200 * time.Millisecond,
			ProbeTimeout:   100 * time.Millisecond,
		}
	}

	a, err := NewGossipService(cfg(), 1, stateA, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	defer a.Shutdown()

	b, err := NewGossipService(cfg(), 2, stateB, newTestMetrics(), zap.NewNop())
	require.NoError(t, err)
	defer b.Shutdown()

	require.NoError(t, b.Join(a.Addr()))

	require.Eventually(t, func() bool {
		return len(a.PeerStates()) == 1 && len(b.PeerStates()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, csn.CSN{Time: 20, ReplicaID: 2}, a.PeerStates()["replica-2"].Get(2))
	assert.Equal(t, csn.CSN{Time: 10, ReplicaID: 1}, a.LowWater())
	// a never saw a change of b
	assert.True(t, b.LowWater().IsZero())
}
