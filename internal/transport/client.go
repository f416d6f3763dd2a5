package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const (
	sendRetries     = 3
	sendRetryBase   = 50 * time.Millisecond
	defaultQueue    = 1000
	defaultSendWait = 5 * time.Second
	catchUpBatch    = 256
	catchUpBackoff  = time.Second
)

// ChangeSource reads back the local changes a lagging peer missed.
type ChangeSource interface {
	ChangesAfter(ctx context.Context, replicaID uint32, after csn.CSN, limit int) ([]*model.UpdateMsg, error)
}

// BroadcasterConfig configures the outbound side of the transport.
type BroadcasterConfig struct {
	Peers          []string
	QueueSize      int
	PublishTimeout time.Duration
	Changes        ChangeSource
	DialOptions    []grpc.DialOption
	Logger         *zap.Logger
}

type peer struct {
	addr  string
	conn  *grpc.ClientConn
	queue chan *model.UpdateMsg

	// once a peer misses an update it is behind: newer updates are not
	// queued until it has been caught up to missed from the change log
	mu     sync.Mutex
	behind bool
	missed csn.CSN
}

// enqueue queues msg unless the peer is behind or its queue is full. It
// reports whether msg was queued and whether the peer just fell behind.
func (p *peer) enqueue(msg *model.UpdateMsg) (queued, fellBehind bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.behind {
		p.missed = csn.Max(p.missed, msg.CSN)
		return false, false
	}
	select {
	case p.queue <- msg:
		return true, false
	default:
		p.behind = true
		p.missed = msg.CSN
		return false, true
	}
}

func (p *peer) markBehind(c csn.CSN) {
	p.mu.Lock()
	p.behind = true
	p.missed = csn.Max(p.missed, c)
	p.mu.Unlock()
}

func (p *peer) isBehind() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behind
}

func (p *peer) target() csn.CSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missed
}

// resume ends catch-up when sent reaches the newest missed update.
func (p *peer) resume(sent csn.CSN) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sent.Older(p.missed) {
		return false
	}
	p.behind = false
	p.missed = csn.CSN{}
	return true
}

// Broadcaster publishes local updates to every peer. Each peer has its own
// bounded queue drained in order by one sender goroutine, so a slow peer
// never reorders or blocks the others. A peer that misses an update, on a
// full queue or a failed send, gets no newer update until its sender has
// resent the gap from the change log.
type Broadcaster struct {
	peers   []*peer
	changes ChangeSource
	timeout time.Duration
	logger  *zap.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewBroadcaster connects to the configured peers and starts their senders.
func NewBroadcaster(cfg *BroadcasterConfig) (*Broadcaster, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueue
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultSendWait
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, cfg.DialOptions...)

	b := &Broadcaster{
		changes:  cfg.Changes,
		timeout:  cfg.PublishTimeout,
		logger:   cfg.Logger,
		stopChan: make(chan struct{}),
	}
	for _, addr := range cfg.Peers {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			b.closeConns()
			return nil, replerrors.TransportFailed(fmt.Sprintf("failed to connect to peer %s", addr), err)
		}
		b.peers = append(b.peers, &peer{addr: addr, conn: conn, queue: make(chan *model.UpdateMsg, cfg.QueueSize)})
	}

	for _, p := range b.peers {
		b.wg.Add(1)
		go b.sender(p)
	}

	b.logger.Info("Broadcaster started",
		zap.Strings("peers", cfg.Peers),
		zap.Int("queue_size", cfg.QueueSize))
	return b, nil
}

// Publish queues msg for every peer. msg must be newer than every update
// published before. A peer whose queue is full falls behind and is caught
// up by its sender.
func (b *Broadcaster) Publish(_ context.Context, msg *model.UpdateMsg) error {
	select {
	case <-b.stopChan:
		return replerrors.TransportFailed("broadcaster is stopped", nil)
	default:
	}

	for _, p := range b.peers {
		if _, fellBehind := p.enqueue(msg); fellBehind {
			b.logger.Warn("Peer fell behind, catching up from change log",
				zap.String("peer", p.addr),
				zap.String("csn", msg.CSN.String()),
				zap.Error(replerrors.QueueFull(p.addr, cap(p.queue))))
		}
	}
	return nil
}

// PublishRecovery sends msg to every peer synchronously.
func (b *Broadcaster) PublishRecovery(ctx context.Context, msg *model.UpdateMsg) error {
	for _, p := range b.peers {
		if _, err := b.send(ctx, p, &PublishRequest{Update: msg, Recovery: true}); err != nil {
			return err
		}
	}
	return nil
}

// PeerStates asks every peer for its server state. Unreachable peers are
// skipped.
func (b *Broadcaster) PeerStates(ctx context.Context) map[string]*csn.ServerState {
	out := make(map[string]*csn.ServerState, len(b.peers))
	for _, p := range b.peers {
		state, err := b.peerState(ctx, p)
		if err != nil {
			b.logger.Debug("Failed to fetch peer state", zap.String("peer", p.addr), zap.Error(err))
			continue
		}
		out[p.addr] = state
	}
	return out
}

func (b *Broadcaster) peerState(ctx context.Context, p *peer) (*csn.ServerState, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp := new(StateResponse)
	if err := p.conn.Invoke(callCtx, methodGetState, &StateRequest{}, resp); err != nil {
		return nil, err
	}
	state, err := csn.DecodeServerState(resp.State)
	if err != nil {
		return nil, fmt.Errorf("peer %s sent invalid state: %w", p.addr, err)
	}
	return state, nil
}

func (b *Broadcaster) sender(p *peer) {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if p.isBehind() {
			if err := b.catchUp(ctx, p); err != nil {
				b.logger.Warn("Failed to catch up peer",
					zap.String("peer", p.addr),
					zap.Error(err))
				select {
				case <-b.stopChan:
					return
				case <-time.After(catchUpBackoff):
				}
			}
			continue
		}

		select {
		case <-b.stopChan:
			return
		case msg := <-p.queue:
			if _, err := b.send(ctx, p, &PublishRequest{Update: msg}); err != nil {
				b.logger.Warn("Failed to publish update, catching up from change log",
					zap.String("peer", p.addr),
					zap.String("csn", msg.CSN.String()),
					zap.Error(err))
				p.markBehind(msg.CSN)
			}
		}
	}
}

// catchUp resends, in order, the changes a lagging peer has not seen, up to
// the newest update it missed. Changes in the log beyond that one have not
// been published yet and are left to Publish.
func (b *Broadcaster) catchUp(ctx context.Context, p *peer) error {
	// queued updates are older than missed and are resent from the log
	for drained := false; !drained; {
		select {
		case msg := <-p.queue:
			p.markBehind(msg.CSN)
		default:
			drained = true
		}
	}

	target := p.target()
	if b.changes == nil {
		b.logger.Error("Peer missed updates and no change log is configured",
			zap.String("peer", p.addr),
			zap.String("missed_csn", target.String()))
		p.resume(target)
		return nil
	}

	state, err := b.peerState(ctx, p)
	if err != nil {
		return err
	}
	sent := state.Get(target.ReplicaID)
	resent := 0

	for {
		if !sent.Older(target) {
			if p.resume(sent) {
				b.logger.Info("Peer caught up",
					zap.String("peer", p.addr),
					zap.String("csn", sent.String()),
					zap.Int("changes_resent", resent))
				return nil
			}
			target = p.target()
			continue
		}

		batch, err := b.changes.ChangesAfter(ctx, target.ReplicaID, sent, catchUpBatch)
		if err != nil {
			return err
		}
		n := 0
		for _, msg := range batch {
			if msg.CSN.Newer(target) {
				break
			}
			if _, err := b.send(ctx, p, &PublishRequest{Update: msg, Recovery: true}); err != nil {
				return err
			}
			sent = msg.CSN
			n++
		}
		resent += n
		if n == 0 {
			b.logger.Error("Change log does not reach missed update",
				zap.String("peer", p.addr),
				zap.String("sent_csn", sent.String()),
				zap.String("missed_csn", target.String()))
			sent = target
		}
	}
}

// send delivers one request, retrying while the peer is unavailable.
func (b *Broadcaster) send(ctx context.Context, p *peer, req *PublishRequest) (bool, error) {
	var accepted bool
	backoff := retry.WithMaxRetries(sendRetries, retry.NewExponential(sendRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		resp := new(PublishResponse)
		if err := p.conn.Invoke(callCtx, methodPublish, req, resp); err != nil {
			if status.Code(err) == codes.Unavailable {
				return retry.RetryableError(err)
			}
			return err
		}
		accepted = resp.Accepted
		return nil
	})
	if err != nil {
		return false, replerrors.TransportFailed(fmt.Sprintf("failed to publish to %s", p.addr), err)
	}
	return accepted, nil
}

// Close stops the senders and closes the peer connections. Queued updates
// not yet sent are dropped.
func (b *Broadcaster) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		b.closeConns()
		b.logger.Info("Broadcaster stopped")
	})
	return nil
}

func (b *Broadcaster) closeConns() {
	for _, p := range b.peers {
		if err := p.conn.Close(); err != nil {
			b.logger.Debug("Failed to close peer connection", zap.String("peer", p.addr), zap.Error(err))
		}
	}
}

// QueueLen returns the number of updates waiting for addr.
func (b *Broadcaster) QueueLen(addr string) int {
	for _, p := range b.peers {
		if p.addr == addr {
			return len(p.queue)
		}
	}
	return 0
}
