package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of a replica
type Metrics struct {
	// Replay metrics
	ReplayedUpdatesTotal  prometheus.Counter
	ReplayDuration        prometheus.Histogram
	ReplayAttempts        prometheus.Histogram
	ReplayFailuresTotal   *prometheus.CounterVec
	DuplicateUpdatesTotal prometheus.Counter

	// Conflict metrics
	NamingConflictsTotal         *prometheus.CounterVec
	ModifyConflictsResolvedTotal prometheus.Counter
	DroppedModificationsTotal    prometheus.Counter
	AlertsTotal                  prometheus.Counter

	// Local change metrics
	LocalChangesTotal     *prometheus.CounterVec
	PublishedUpdatesTotal prometheus.Counter
	PublishErrorsTotal    prometheus.Counter
	RecoveryActive        prometheus.Gauge

	// Pending queues
	PendingLocalChanges  prometheus.Gauge
	PendingRemoteChanges prometheus.Gauge
	DependentUpdates     prometheus.Gauge
	ReplayQueueDepth     prometheus.Gauge

	// State persistence
	StateFlushesTotal     prometheus.Counter
	StateFlushErrorsTotal prometheus.Counter
	StateFlushDuration    prometheus.Histogram

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates the metrics of one replica and registers them with reg.
func NewMetrics(replicaID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"replica_id": replicaID}
	factory := promauto.With(reg)

	return &Metrics{
		// Replay metrics
		ReplayedUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "replayed_updates_total",
			Help:        "Total number of remote updates replayed",
			ConstLabels: labels,
		}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "replay_duration_seconds",
			Help:        "Histogram of remote update replay durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ReplayAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "replay_attempts",
			Help:        "Histogram of attempts needed to replay one update",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 1, 10),
		}),
		ReplayFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "replay_failures_total",
			Help:        "Total number of failed replay attempts by result code",
			ConstLabels: labels,
		}, []string{"result_code"}),
		DuplicateUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "duplicate_updates_total",
			Help:        "Total number of received updates dropped as duplicates",
			ConstLabels: labels,
		}),

		// Conflict metrics
		NamingConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflict",
			Name:        "naming_conflicts_total",
			Help:        "Total number of naming conflicts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ModifyConflictsResolvedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflict",
			Name:        "modify_conflicts_resolved_total",
			Help:        "Total number of modify conflicts resolved from attribute history",
			ConstLabels: labels,
		}),
		DroppedModificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflict",
			Name:        "dropped_modifications_total",
			Help:        "Total number of replicated modifications dropped as superseded",
			ConstLabels: labels,
		}),
		AlertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflict",
			Name:        "alerts_total",
			Help:        "Total number of conflict alerts raised",
			ConstLabels: labels,
		}),

		// Local change metrics
		LocalChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "local_changes_total",
			Help:        "Total number of local changes by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		PublishedUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "published_updates_total",
			Help:        "Total number of local updates handed to the transport",
			ConstLabels: labels,
		}),
		PublishErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "publish_errors_total",
			Help:        "Total number of updates the transport failed to take",
			ConstLabels: labels,
		}),
		RecoveryActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "recovery_active",
			Help:        "1 while locally originated changes are being replayed to the transport",
			ConstLabels: labels,
		}),

		// Pending queues
		PendingLocalChanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "pending_local_changes",
			Help:        "Local changes waiting to be published",
			ConstLabels: labels,
		}),
		PendingRemoteChanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "pending_remote_changes",
			Help:        "Remote updates received but not committed",
			ConstLabels: labels,
		}),
		DependentUpdates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "dependent_updates",
			Help:        "Remote updates waiting for older updates they depend on",
			ConstLabels: labels,
		}),
		ReplayQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "replay_queue_depth",
			Help:        "Updates queued for the replay workers",
			ConstLabels: labels,
		}),

		// State persistence
		StateFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "state",
			Name:        "flushes_total",
			Help:        "Total number of server state flushes",
			ConstLabels: labels,
		}),
		StateFlushErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "state",
			Name:        "flush_errors_total",
			Help:        "Total number of failed server state flushes",
			ConstLabels: labels,
		}),
		StateFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "state",
			Name:        "flush_duration_seconds",
			Help:        "Histogram of server state flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		// Gossip metrics
		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of replicas in the gossip cluster",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		// System metrics
		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk space used on the data volume",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Disk space available on the data volume",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordReplay records one replayed update
func (m *Metrics) RecordReplay(duration float64, attempts int) {
	m.ReplayedUpdatesTotal.Inc()
	m.ReplayDuration.Observe(duration)
	m.ReplayAttempts.Observe(float64(attempts))
}

// RecordReplayFailure records a failed replay attempt
func (m *Metrics) RecordReplayFailure(resultCode string) {
	m.ReplayFailuresTotal.WithLabelValues(resultCode).Inc()
}

// RecordNamingConflict records the outcome of one naming conflict resolution
func (m *Metrics) RecordNamingConflict(resolved bool) {
	outcome := "unresolved"
	if resolved {
		outcome = "resolved"
	}
	m.NamingConflictsTotal.WithLabelValues(outcome).Inc()
}

// RecordLocalChange records a local operation
func (m *Metrics) RecordLocalChange(op, result string) {
	m.LocalChangesTotal.WithLabelValues(op, result).Inc()
}

// UpdatePending updates the pending queue gauges
func (m *Metrics) UpdatePending(local, remote, dependent, queued int) {
	m.PendingLocalChanges.Set(float64(local))
	m.PendingRemoteChanges.Set(float64(remote))
	m.DependentUpdates.Set(float64(dependent))
	m.ReplayQueueDepth.Set(float64(queued))
}

// SetRecovering flips the recovery gauge
func (m *Metrics) SetRecovering(active bool) {
	if active {
		m.RecoveryActive.Set(1)
	} else {
		m.RecoveryActive.Set(0)
	}
}

// RecordStateFlush records a server state flush
func (m *Metrics) RecordStateFlush(duration float64, err error) {
	m.StateFlushesTotal.Inc()
	m.StateFlushDuration.Observe(duration)
	if err != nil {
		m.StateFlushErrorsTotal.Inc()
	}
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
}

// RecordGossipMessage records a gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
