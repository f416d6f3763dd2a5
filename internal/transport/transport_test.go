package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

type fakeReceiver struct {
	mu       sync.Mutex
	received []*model.UpdateMsg
	state    *csn.ServerState

	// when hold is set, every update waits for it to close
	hold    chan struct{}
	entered chan struct{}
}

func (r *fakeReceiver) ProcessUpdate(_ context.Context, msg *model.UpdateMsg) (bool, error) {
	if r.hold != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		<-r.hold
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.received {
		if m.CSN == msg.CSN {
			return false, nil
		}
	}
	r.received = append(r.received, msg)
	r.state.Update(msg.CSN)
	return true, nil
}

func (r *fakeReceiver) ServerState() *csn.ServerState {
	return r.state
}

func (r *fakeReceiver) got() []*model.UpdateMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.UpdateMsg(nil), r.received...)
}

type fakeChanges struct {
	mu      sync.Mutex
	changes []*model.UpdateMsg
}

func (c *fakeChanges) ChangesAfter(_ context.Context, replicaID uint32, after csn.CSN, limit int) ([]*model.UpdateMsg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.UpdateMsg
	for _, msg := range c.changes {
		if msg.CSN.ReplicaID == replicaID && msg.CSN.Newer(after) {
			out = append(out, msg)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func startPair(t *testing.T) (*fakeReceiver, *Broadcaster) {
	t.Helper()
	recv := &fakeReceiver{state: csn.NewServerState()}
	return recv, startPairWith(t, recv, nil)
}

func startPairWith(t *testing.T, recv *fakeReceiver, tweak func(*BroadcasterConfig)) *Broadcaster {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(recv, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := &BroadcasterConfig{
		Peers:          []string{"passthrough:///bufnet"},
		QueueSize:      16,
		PublishTimeout: time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
		Logger: zap.NewNop(),
	}
	if tweak != nil {
		tweak(cfg)
	}
	b, err := NewBroadcaster(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func csnTimes(msgs []*model.UpdateMsg) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.CSN.Time)
	}
	return out
}

func update(ms uint64) *model.UpdateMsg {
	return &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       csn.CSN{Time: ms, Seq: 1, ReplicaID: 1},
		DN:        model.MustParseDN("cn=x,o=1"),
		EntryUUID: "U1",
		Mods:      []model.Modification{{Type: model.ModAdd, Attr: "description", Values: []string{"d"}}},
	}
}

func TestBroadcaster_PublishPreservesOrder(t *testing.T) {
	recv, b := startPair(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, update(i)))
	}

	require.Eventually(t, func() bool { return len(recv.got()) == 5 }, 5*time.Second, 10*time.Millisecond)
	got := recv.got()
	for i, m := range got {
		assert.Equal(t, uint64(i+1), m.CSN.Time)
	}
	assert.Equal(t, model.OpModify, got[0].Kind)
	assert.Equal(t, "cn=x,o=1", got[0].DN.String())
	assert.Equal(t, []string{"d"}, got[0].Mods[0].Values)
	assert.Equal(t, model.ModAdd, got[0].Mods[0].Type)
}

func TestBroadcaster_FullQueueCatchesUpInOrder(t *testing.T) {
	recv := &fakeReceiver{
		state:   csn.NewServerState(),
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	changes := &fakeChanges{}
	for i := uint64(1); i <= 5; i++ {
		changes.changes = append(changes.changes, update(i))
	}
	b := startPairWith(t, recv, func(cfg *BroadcasterConfig) {
		cfg.QueueSize = 1
		cfg.PublishTimeout = 5 * time.Second
		cfg.Changes = changes
	})
	release := sync.OnceFunc(func() { close(recv.hold) })
	t.Cleanup(release)
	ctx := context.Background()
	p := b.peers[0]

	require.NoError(t, b.Publish(ctx, update(1)))
	<-recv.entered

	require.NoError(t, b.Publish(ctx, update(2)))
	require.NoError(t, b.Publish(ctx, update(3)))
	require.NoError(t, b.Publish(ctx, update(4)))
	assert.True(t, p.isBehind())
	assert.Equal(t, 1, b.QueueLen(p.addr))
	assert.Equal(t, update(4).CSN, p.target())

	release()
	require.Eventually(t, func() bool {
		return len(recv.got()) == 4 && !p.isBehind()
	}, 5*time.Second, 10*time.Millisecond)
	// 5 is logged but not published yet, so it must not be sent
	assert.Equal(t, []uint64{1, 2, 3, 4}, csnTimes(recv.got()))

	require.NoError(t, b.Publish(ctx, update(5)))
	require.Eventually(t, func() bool { return len(recv.got()) == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, csnTimes(recv.got()))
}

func TestBroadcaster_PublishRecoveryIsSynchronous(t *testing.T) {
	recv, b := startPair(t)
	ctx := context.Background()

	require.NoError(t, b.PublishRecovery(ctx, update(7)))
	require.Len(t, recv.got(), 1)

	require.NoError(t, b.PublishRecovery(ctx, update(7)), "duplicates are not errors")
	assert.Len(t, recv.got(), 1)
}

func TestBroadcaster_PeerStates(t *testing.T) {
	recv, b := startPair(t)
	recv.state.Update(csn.CSN{Time: 42, Seq: 1, ReplicaID: 3})

	states := b.PeerStates(context.Background())
	require.Len(t, states, 1)
	state := states["passthrough:///bufnet"]
	require.NotNil(t, state)
	assert.Equal(t, csn.CSN{Time: 42, Seq: 1, ReplicaID: 3}, state.Get(3))
}

func TestServer_RejectsEmptyPublish(t *testing.T) {
	_, b := startPair(t)

	resp := new(PublishResponse)
	err := b.peers[0].conn.Invoke(context.Background(), methodPublish, &PublishRequest{}, resp)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_RejectsInvalidUpdate(t *testing.T) {
	recv, b := startPair(t)

	bad := update(3)
	bad.EntryUUID = "U1,cn=evil"
	resp := new(PublishResponse)
	err := b.peers[0].conn.Invoke(context.Background(), methodPublish, &PublishRequest{Update: bad}, resp)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, recv.got())
}

func TestBroadcaster_StoppedRejectsPublish(t *testing.T) {
	_, b := startPair(t)
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), update(1)))
}
