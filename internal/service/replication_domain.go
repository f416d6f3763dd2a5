package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/conflict"
	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/pending"
	"github.com/devrev/pairdb/replication/internal/util/workerpool"
)

// Backend is the directory the domain replicates: the write operations plus
// the lookups conflict resolution needs.
type Backend interface {
	conflict.Directory
	conflict.IdentityResolver
	conflict.HistoryStore
	Add(ctx context.Context, entry *model.Entry) model.ResultCode
	Delete(ctx context.Context, dn model.DN) model.ResultCode
}

// Publisher sends local changes to the other replicas.
type Publisher interface {
	Publish(ctx context.Context, msg *model.UpdateMsg) error
	PublishRecovery(ctx context.Context, msg *model.UpdateMsg) error
}

// ChangeLog keeps the changes made on this replica so that recovery can
// resend the ones the other replicas missed.
type ChangeLog interface {
	AppendChange(ctx context.Context, msg *model.UpdateMsg) error
	ChangesAfter(ctx context.Context, replicaID uint32, after csn.CSN, limit int) ([]*model.UpdateMsg, error)
}

// DomainConfig holds the tunables of a replication domain
type DomainConfig struct {
	ReplicaID           uint32
	BaseDN              model.DN
	Schema              *model.Schema
	Workers             int
	QueueSize           int
	PollInterval        time.Duration
	MaxAttempts         int
	MaxTransientRetries int
	UnavailableBackoff  time.Duration
	PurgeDelay          time.Duration
	AppliedTTL          time.Duration
	FractionalExclude   []string
	RecoveryBatchSize   int
}

func (c *DomainConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.MaxTransientRetries <= 0 {
		c.MaxTransientRetries = 100
	}
	if c.UnavailableBackoff <= 0 {
		c.UnavailableBackoff = 100 * time.Millisecond
	}
	if c.AppliedTTL <= 0 {
		c.AppliedTTL = 10 * time.Minute
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = 256
	}
}

// DomainStats is a point-in-time view of a domain's replication counters
type DomainStats struct {
	ReplayedUpdates           uint64
	DuplicateUpdates          uint64
	ResolvedNamingConflicts   uint64
	UnresolvedNamingConflicts uint64
	ResolvedModifyConflicts   uint64
	DroppedModifications      uint64
	RepairNeeded              uint64
	PendingLocalChanges       int
	PendingRemoteChanges      int
	DependentUpdates          int
	Recovering                bool
}

type domainCounters struct {
	replayed         atomic.Uint64
	duplicates       atomic.Uint64
	resolvedNaming   atomic.Uint64
	unresolvedNaming atomic.Uint64
	resolvedModify   atomic.Uint64
	droppedMods      atomic.Uint64
	repairNeeded     atomic.Uint64
}

// ReplicationDomain replicates one naming context. Local operations go
// through the Local* hooks and are published in CSN order; updates from
// other replicas arrive through ProcessUpdate and are replayed by a worker
// pool, with naming conflicts handed to the conflict resolver.
type ReplicationDomain struct {
	cfg        DomainConfig
	backend    Backend
	state      *csn.ServerState
	generator  *csn.Generator
	local      *pending.LocalBuffer
	remote     *pending.RemotePendingChanges
	resolver   *conflict.Resolver
	publisher  Publisher
	changelog  ChangeLog
	pool       *workerpool.WorkerPool
	fractional map[string]bool
	metrics    *metrics.Metrics
	logger     *zap.Logger
	counters   domainCounters

	recoveryRunning atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReplicationDomain wires a domain and starts its replay workers. state
// is the persisted server state; the CSN generator is seeded from it.
func NewReplicationDomain(
	cfg DomainConfig,
	state *csn.ServerState,
	backend Backend,
	publisher Publisher,
	changelog ChangeLog,
	alerter conflict.Alerter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationDomain {
	cfg.setDefaults()
	if state == nil {
		state = csn.NewServerState()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &ReplicationDomain{
		cfg:        cfg,
		backend:    backend,
		state:      state,
		generator:  csn.NewGenerator(cfg.ReplicaID, state),
		resolver:   conflict.NewResolver(cfg.BaseDN, backend, backend, backend, alerter, logger),
		publisher:  publisher,
		changelog:  changelog,
		fractional: make(map[string]bool, len(cfg.FractionalExclude)),
		metrics:    m,
		logger:     logger.With(zap.Uint32("replica_id", cfg.ReplicaID)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, attr := range cfg.FractionalExclude {
		d.fractional[model.AttrName(attr)] = true
	}

	d.local = pending.NewLocalBuffer(d.generator, state, &countingPublisher{next: publisher, metrics: m}, d.logger)
	d.remote = pending.NewRemotePendingChanges(state, cfg.AppliedTTL, d.logger)
	d.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:         "replay",
		MaxWorkers:   cfg.Workers,
		QueueSize:    cfg.QueueSize,
		PollInterval: cfg.PollInterval,
		OnIdle:       d.drainReady,
		Logger:       d.logger,
	})

	return d
}

// ProcessUpdate accepts an update from another replica. It returns false
// for a duplicate. The call blocks while the replay queue is full.
func (d *ReplicationDomain) ProcessUpdate(ctx context.Context, msg *model.UpdateMsg) (bool, error) {
	if msg == nil || msg.CSN.IsZero() {
		return false, replerrors.InvalidCSN("", nil)
	}
	if d.ctx.Err() != nil {
		return false, replerrors.Unavailable("replication domain stopped", nil)
	}
	if msg.CSN.ReplicaID == d.cfg.ReplicaID {
		// our own change echoed back
		d.counters.duplicates.Add(1)
		d.metrics.DuplicateUpdatesTotal.Inc()
		return false, nil
	}

	d.generator.Adjust(msg.CSN)

	if !d.remote.Put(msg) {
		d.counters.duplicates.Add(1)
		d.metrics.DuplicateUpdatesTotal.Inc()
		d.logger.Debug("Dropped duplicate update", zap.String("csn", msg.CSN.String()))
		return false, nil
	}

	err := d.pool.Submit(ctx, workerpool.Task{
		ID: msg.CSN.String(),
		Fn: func(ctx context.Context) error { return d.replayUpdate(ctx, msg) },
	})
	if err != nil {
		d.remote.Forget(msg.CSN)
		return false, replerrors.Unavailable("replay queue unavailable", err)
	}
	d.updateGauges()
	return true, nil
}

// ServerState returns the live server state of the domain.
func (d *ReplicationDomain) ServerState() *csn.ServerState {
	return d.state
}

// ReplicaID returns the identifier of this replica.
func (d *ReplicationDomain) ReplicaID() uint32 {
	return d.cfg.ReplicaID
}

// IsRecovering reports whether publication is suspended for recovery.
func (d *ReplicationDomain) IsRecovering() bool {
	return d.local.IsRecovering()
}

// ReplayQueueUtilization returns how full the replay queue is, in percent.
func (d *ReplicationDomain) ReplayQueueUtilization() float64 {
	return d.pool.Stats().QueueUtilization()
}

// Stats returns a snapshot of the replication counters.
func (d *ReplicationDomain) Stats() DomainStats {
	return DomainStats{
		ReplayedUpdates:           d.counters.replayed.Load(),
		DuplicateUpdates:          d.counters.duplicates.Load(),
		ResolvedNamingConflicts:   d.counters.resolvedNaming.Load(),
		UnresolvedNamingConflicts: d.counters.unresolvedNaming.Load(),
		ResolvedModifyConflicts:   d.counters.resolvedModify.Load(),
		DroppedModifications:      d.counters.droppedMods.Load(),
		RepairNeeded:              d.counters.repairNeeded.Load(),
		PendingLocalChanges:       d.local.Len(),
		PendingRemoteChanges:      d.remote.Len(),
		DependentUpdates:          d.remote.DependentLen(),
		Recovering:                d.local.IsRecovering(),
	}
}

// Stop stops the replay workers and any running recovery. Updates not yet
// replayed stay uncommitted, so the server state never covers them.
func (d *ReplicationDomain) Stop(timeout time.Duration) error {
	var err error
	d.stopOnce.Do(func() {
		d.cancel()
		err = d.pool.Stop(timeout)
		d.wg.Wait()
		d.remote.Close()
	})
	return err
}

func (d *ReplicationDomain) updateGauges() {
	d.metrics.UpdatePending(d.local.Len(), d.remote.Len(), d.remote.DependentLen(), d.pool.Stats().QueuedTasks)
}

// countingPublisher mirrors publish results into metrics.
type countingPublisher struct {
	next    Publisher
	metrics *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, msg *model.UpdateMsg) error {
	if err := p.next.Publish(ctx, msg); err != nil {
		p.metrics.PublishErrorsTotal.Inc()
		return err
	}
	p.metrics.PublishedUpdatesTotal.Inc()
	return nil
}
