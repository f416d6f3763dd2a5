package csn

import (
	"sync"
	"time"
)

// Generator hands out strictly increasing CSNs for one replica.
type Generator struct {
	mu        sync.Mutex
	replicaID uint32
	lastTime  uint64
	seq       uint32
	now       func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the wall clock used by the generator.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a generator for replicaID. Every CSN in state is fed
// through Adjust so a restarted replica never reissues an old CSN.
func NewGenerator(replicaID uint32, state *ServerState, opts ...GeneratorOption) *Generator {
	g := &Generator{
		replicaID: replicaID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if state != nil {
		for _, c := range state.Snapshot() {
			g.Adjust(c)
		}
	}
	return g
}

// ReplicaID returns the replica this generator stamps CSNs with.
func (g *Generator) ReplicaID() uint32 {
	return g.replicaID
}

// Next returns a CSN newer than every CSN previously returned or passed to
// Adjust.
func (g *Generator) Next() CSN {
	now := uint64(g.now().UnixMilli())

	g.mu.Lock()
	defer g.mu.Unlock()

	if now > g.lastTime {
		g.lastTime = now
	}
	g.seq++
	if g.seq == 0 {
		// sequence wrapped; move time forward instead
		g.lastTime++
	}
	return CSN{Time: g.lastTime, Seq: g.seq, ReplicaID: g.replicaID}
}

// Adjust moves the generator past a CSN seen from another replica, so that
// later local changes sort after it even when the local clock lags. It never
// moves the generator backwards.
func (g *Generator) Adjust(seen CSN) {
	if seen.IsZero() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastTime <= seen.Time {
		g.lastTime = seen.Time + 1
	}
	if seen.ReplicaID == g.replicaID && g.seq < seen.Seq {
		g.seq = seen.Seq
	}
}
