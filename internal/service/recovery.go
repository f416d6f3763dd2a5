package service

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

// SessionInitiated is called once a session with the other replicas is
// up, or a peer rejoins. brokerState is what they have seen so far. When it lacks local
// changes, publication is suspended and a recovery task resends the missing
// changes from the change log; publication resumes once the task has caught
// up with the last local change. Returns whether recovery started.
func (d *ReplicationDomain) SessionInitiated(_ context.Context, brokerState *csn.ServerState) bool {
	last := d.local.LastLocalChange()
	if last.IsZero() || brokerState.Cover(last) {
		return false
	}
	if d.changelog == nil {
		d.logger.Warn("Peers miss local changes but no change log is configured",
			zap.String("last_local_csn", last.String()))
		return false
	}
	// a failed task leaves publication suspended; the next session restarts it
	if !d.recoveryRunning.CompareAndSwap(false, true) {
		return false
	}

	d.local.SetRecovering(true)
	d.metrics.SetRecovering(true)
	from := brokerState.Get(d.cfg.ReplicaID)
	d.logger.Info("Starting recovery",
		zap.String("from_csn", from.String()),
		zap.String("last_local_csn", last.String()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.recoveryRunning.Store(false)
		d.recover(d.ctx, from)
	}()
	return true
}

// recover resends local changes newer than from until it reaches the last
// local change. Only changes the buffer has released are sent: a change in
// the log that is still held back behind an older uncommitted one would
// otherwise reach the peers first and cover the older CSN there.
func (d *ReplicationDomain) recover(ctx context.Context, from csn.CSN) {
	after := from
	sent := 0

	for {
		released := d.local.LastLocalChange()

		var batch []*model.UpdateMsg
		backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			batch, err = d.changelog.ChangesAfter(ctx, d.cfg.ReplicaID, after, d.cfg.RecoveryBatchSize)
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			d.logger.Error("Recovery stopped: change log unreadable",
				zap.String("after_csn", after.String()),
				zap.Error(err))
			return
		}

		resent := 0
		for _, msg := range batch {
			if msg.CSN.Newer(released) {
				break
			}
			if err := d.publisher.PublishRecovery(ctx, msg); err != nil {
				d.logger.Error("Recovery stopped: publish failed",
					zap.String("csn", msg.CSN.String()),
					zap.Error(err))
				return
			}
			after = msg.CSN
			resent++
		}
		sent += resent

		if resent == 0 && after.Older(released) {
			// the log ends, or skips ahead, before the last released change
			d.logger.Warn("Change log does not reach the last local change",
				zap.String("recovered_csn", after.String()),
				zap.String("last_local_csn", released.String()))
			after = released
		}
		if !d.local.RecoveryUntil(after) {
			break
		}
	}

	d.metrics.SetRecovering(false)
	d.logger.Info("Recovery finished",
		zap.Int("changes_sent", sent),
		zap.String("recovered_csn", after.String()))
	d.local.Flush(ctx)
}
