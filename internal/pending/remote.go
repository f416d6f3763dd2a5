package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Status is the replay state of a tracked remote update
type Status int

const (
	// StatusPending waits for older changes it depends on.
	StatusPending Status = iota
	// StatusReady may be replayed.
	StatusReady
	// StatusCommitted finished replay and waits for older changes to commit.
	StatusCommitted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusCommitted:
		return "committed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type remoteChange struct {
	csn    csn.CSN
	msg    *model.UpdateMsg
	status Status
	deps   []csn.CSN
}

func remoteLess(a, b *remoteChange) bool {
	return a.csn.Older(b.csn)
}

// RemotePendingChanges tracks updates received from other replicas between
// arrival and replay. It drops duplicates, holds back updates that depend on
// older in-flight ones, and advances the server state over the committed
// prefix.
type RemotePendingChanges struct {
	mu        sync.Mutex
	changes   *btree.BTreeG[*remoteChange]
	dependent *btree.BTreeG[*remoteChange]
	state     *csn.ServerState
	applied   *ttlcache.Cache
	logger    *zap.Logger
}

// NewRemotePendingChanges creates the tracker. CSNs committed within
// appliedTTL are remembered and rejected if delivered again.
func NewRemotePendingChanges(state *csn.ServerState, appliedTTL time.Duration, logger *zap.Logger) *RemotePendingChanges {
	c := ttlcache.NewCache()
	c.SetTTL(appliedTTL)
	return &RemotePendingChanges{
		changes:   btree.NewG[*remoteChange](btreeDegree, remoteLess),
		dependent: btree.NewG[*remoteChange](btreeDegree, remoteLess),
		state:     state,
		applied:   c,
		logger:    logger,
	}
}

// Put starts tracking msg. Returns false for a duplicate: a CSN already
// tracked, recently committed or covered by the server state.
func (r *RemotePendingChanges) Put(msg *model.UpdateMsg) bool {
	if _, seen := r.applied.Get(msg.CSN.String()); seen {
		return false
	}
	if r.state.Cover(msg.CSN) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := &remoteChange{csn: msg.CSN}
	if r.changes.Has(key) {
		return false
	}
	r.changes.ReplaceOrInsert(&remoteChange{csn: msg.CSN, msg: msg, status: StatusReady})
	return true
}

// Forget stops tracking c when it could not be scheduled for replay. A
// committed change cannot be forgotten.
func (r *RemotePendingChanges) Forget(c csn.CSN) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.changes.Get(&remoteChange{csn: c})
	if !ok || change.status == StatusCommitted {
		return false
	}
	r.changes.Delete(change)
	r.dependent.Delete(change)
	return true
}

// Commit marks c as replayed, successfully or not, and advances the server
// state over every committed change at the head.
func (r *RemotePendingChanges) Commit(c csn.CSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.changes.Get(&remoteChange{csn: c})
	if !ok {
		return replerrors.NoSuchPendingChange(c.String())
	}
	change.status = StatusCommitted
	r.dependent.Delete(change)

	for {
		head, ok := r.changes.Min()
		if !ok || head.status != StatusCommitted {
			break
		}
		r.changes.DeleteMin()
		r.state.Update(head.csn)
		r.applied.Set(head.csn.String(), true)
	}
	return nil
}

// CheckDependencies reports whether msg must wait for an older tracked
// change. If so it is parked and later returned by NextReadyUpdate once the
// server state covers every change it depends on.
func (r *RemotePendingChanges) CheckDependencies(msg *model.UpdateMsg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.changes.Get(&remoteChange{csn: msg.CSN})
	if !ok {
		return false
	}

	var deps []csn.CSN
	r.changes.AscendLessThan(change, func(older *remoteChange) bool {
		if older.status != StatusCommitted && dependsOn(msg, older.msg) {
			deps = append(deps, older.csn)
		}
		return true
	})
	if len(deps) == 0 {
		return false
	}

	change.deps = deps
	change.status = StatusPending
	r.dependent.ReplaceOrInsert(change)
	r.logger.Debug("Update waits for older changes",
		zap.String("csn", msg.CSN.String()),
		zap.Int("dependencies", len(deps)))
	return true
}

// NextReadyUpdate returns the oldest parked update whose dependencies are
// all covered by the server state, or nil.
func (r *RemotePendingChanges) NextReadyUpdate() *model.UpdateMsg {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready *remoteChange
	r.dependent.Ascend(func(change *remoteChange) bool {
		for _, d := range change.deps {
			if !r.state.Cover(d) {
				return true
			}
		}
		ready = change
		return false
	})
	if ready == nil {
		return nil
	}
	r.dependent.Delete(ready)
	ready.deps = nil
	ready.status = StatusReady
	return ready.msg
}

// StatusOf returns the status of a tracked CSN.
func (r *RemotePendingChanges) StatusOf(c csn.CSN) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.changes.Get(&remoteChange{csn: c})
	if !ok {
		return 0, false
	}
	return change.status, true
}

// Len returns the number of tracked updates.
func (r *RemotePendingChanges) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes.Len()
}

// DependentLen returns the number of parked updates.
func (r *RemotePendingChanges) DependentLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dependent.Len()
}

// Close stops the applied-CSN cache.
func (r *RemotePendingChanges) Close() {
	r.applied.Close()
}

// dependsOn reports whether msg must be replayed after the older change.
func dependsOn(msg, older *model.UpdateMsg) bool {
	if older == nil {
		return false
	}

	if msg.EntryUUID != "" && msg.EntryUUID == older.EntryUUID {
		switch msg.Kind {
		case model.OpDelete:
			return true
		case model.OpModify, model.OpModifyDN:
			if older.Kind == model.OpAdd {
				return true
			}
		}
	}

	target := msg.DN
	switch msg.Kind {
	case model.OpAdd:
		switch older.Kind {
		case model.OpDelete:
			return older.DN.Equal(target)
		case model.OpAdd:
			return older.DN.IsSuperiorOrEqual(target)
		case model.OpModifyDN:
			return older.DN.Equal(target) || older.NewDN().IsParentOf(target)
		}

	case model.OpModify:
		if older.Kind == model.OpAdd {
			return older.DN.Equal(target)
		}

	case model.OpModifyDN:
		newDN := msg.NewDN()
		switch older.Kind {
		case model.OpDelete:
			return newDN.Equal(older.DN)
		case model.OpAdd:
			return msg.NewParent().Equal(older.DN) || older.DN.Equal(target)
		case model.OpModifyDN:
			return newDN.Equal(older.DN)
		}

	case model.OpDelete:
		switch older.Kind {
		case model.OpDelete:
			return older.DN.IsSubordinateOrEqual(target)
		case model.OpAdd:
			return older.DN.Equal(target)
		case model.OpModifyDN:
			return older.DN.IsSubordinateOrEqual(target) || older.NewDN().IsParentOf(target)
		}
	}
	return false
}
