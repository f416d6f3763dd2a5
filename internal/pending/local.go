// Package pending orders changes between the directory backend and the
// replication transport: local changes waiting to be published and remote
// changes waiting to be replayed.
package pending

import (
	"context"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// btreeDegree is the node degree of the CSN-ordered trees
const btreeDegree = 16

// Publisher hands a change to the replication transport.
type Publisher interface {
	Publish(ctx context.Context, msg *model.UpdateMsg) error
}

type localChange struct {
	csn       csn.CSN
	committed bool
	msg       *model.UpdateMsg
}

func localLess(a, b *localChange) bool {
	return a.csn.Older(b.csn)
}

// LocalBuffer holds local changes from CSN assignment until they are
// published. Changes are published strictly in CSN order: an uncommitted
// change holds back every newer one.
type LocalBuffer struct {
	mu         sync.Mutex
	changes    *btree.BTreeG[*localChange]
	generator  *csn.Generator
	state      *csn.ServerState
	publisher  Publisher
	recovering bool
	logger     *zap.Logger
}

// NewLocalBuffer creates a buffer stamping changes with generator and
// recording published CSNs in state.
func NewLocalBuffer(generator *csn.Generator, state *csn.ServerState, publisher Publisher, logger *zap.Logger) *LocalBuffer {
	return &LocalBuffer{
		changes:   btree.NewG[*localChange](btreeDegree, localLess),
		generator: generator,
		state:     state,
		publisher: publisher,
		logger:    logger,
	}
}

// AssignCSN stamps a new local operation and tracks it as uncommitted.
// Generation and insertion happen under one lock so that tree order matches
// assignment order.
func (b *LocalBuffer) AssignCSN() csn.CSN {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.generator.Next()
	b.changes.ReplaceOrInsert(&localChange{csn: c})
	return c
}

// Commit marks the change c as successful and attaches the message to
// publish. Committing a CSN that AssignCSN did not return is a caller bug and
// yields an error wrapping ErrNoSuchPendingChange.
func (b *LocalBuffer) Commit(c csn.CSN, msg *model.UpdateMsg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitLocked(c, msg)
}

func (b *LocalBuffer) commitLocked(c csn.CSN, msg *model.UpdateMsg) error {
	change, ok := b.changes.Get(&localChange{csn: c})
	if !ok {
		return replerrors.NoSuchPendingChange(c.String())
	}
	change.committed = true
	change.msg = msg
	return nil
}

// Flush publishes the committed changes at the head of the buffer and
// returns how many changes remain. While recovering, changes are only
// recorded in the server state.
func (b *LocalBuffer) Flush(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *LocalBuffer) flushLocked(ctx context.Context) int {
	for {
		head, ok := b.changes.Min()
		if !ok || !head.committed {
			break
		}
		b.changes.DeleteMin()

		if head.msg == nil {
			continue
		}
		if !b.recovering {
			if err := b.publisher.Publish(ctx, head.msg); err != nil {
				// the change log still holds it; recovery resends
				b.logger.Warn("Failed to publish local change",
					zap.String("csn", head.csn.String()),
					zap.Error(err))
			}
		}
		b.state.Update(head.csn)
	}
	return b.changes.Len()
}

// CommitAndFlush commits c and flushes in one critical section.
func (b *LocalBuffer) CommitAndFlush(ctx context.Context, c csn.CSN, msg *model.UpdateMsg) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.commitLocked(c, msg); err != nil {
		return b.changes.Len(), err
	}
	return b.flushLocked(ctx), nil
}

// Remove discards the change c, used when its operation failed. Newer
// committed changes it was holding back become publishable on the next
// flush. Returns false when c was not pending.
func (b *LocalBuffer) Remove(c csn.CSN) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.changes.Delete(&localChange{csn: c})
	return ok
}

// SetRecovering switches publication off (true) or on (false).
func (b *LocalBuffer) SetRecovering(recovering bool) {
	b.mu.Lock()
	b.recovering = recovering
	b.mu.Unlock()
}

// IsRecovering reports whether publication is suspended.
func (b *LocalBuffer) IsRecovering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recovering
}

// LastLocalChange returns the newest local CSN recorded in the server state.
func (b *LocalBuffer) LastLocalChange() csn.CSN {
	return b.state.Get(b.generator.ReplicaID())
}

// RecoveryUntil reports the progress of a recovery scan that has resent
// every local change up to recovered. Recovery ends, and publication
// resumes, once recovered reaches the last local change. Returns whether the
// buffer is still recovering.
func (b *LocalBuffer) RecoveryUntil(recovered csn.CSN) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !recovered.IsZero() && recovered.NewerOrEqual(b.state.Get(b.generator.ReplicaID())) {
		b.recovering = false
	}
	return b.recovering
}

// Len returns the number of changes not yet published.
func (b *LocalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changes.Len()
}
