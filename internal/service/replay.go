package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/conflict"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/model"
)

var errTransient = errors.New("transient replay failure")

// replayUpdate replays msg unless it has to wait for an older change, then
// replays whatever became ready.
func (d *ReplicationDomain) replayUpdate(ctx context.Context, msg *model.UpdateMsg) error {
	if d.remote.CheckDependencies(msg) {
		d.updateGauges()
		return nil
	}
	if err := d.replayAndCommit(ctx, msg); err != nil {
		return err
	}
	d.drainReady(ctx)
	return nil
}

// drainReady replays parked updates whose dependencies have committed.
func (d *ReplicationDomain) drainReady(ctx context.Context) {
	for ctx.Err() == nil {
		next := d.remote.NextReadyUpdate()
		if next == nil {
			return
		}
		if err := d.replayAndCommit(ctx, next); err != nil {
			return
		}
	}
}

func (d *ReplicationDomain) replayAndCommit(ctx context.Context, msg *model.UpdateMsg) error {
	if !d.replay(ctx, msg) {
		// shutting down: leave it uncommitted so it is delivered again
		return ctx.Err()
	}
	if err := d.remote.Commit(msg.CSN); err != nil {
		d.logger.DPanic("Committed an untracked remote change",
			zap.String("csn", msg.CSN.String()),
			zap.Error(err))
		return err
	}
	d.updateGauges()
	return nil
}

// replay applies msg, resolving conflicts, for at most MaxAttempts
// attempts. It returns false only when ctx ended the replay early; every
// other outcome, including giving up, counts as replayed.
func (d *ReplicationDomain) replay(ctx context.Context, msg *model.UpdateMsg) bool {
	start := time.Now()
	current := msg
	var code model.ResultCode

	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return false
		}
		attempts++

		var err error
		code, err = d.applyWithRetry(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			d.logger.Error("Replay attempt failed",
				zap.String("csn", msg.CSN.String()),
				zap.String("dn", current.DN.String()),
				zap.Error(err))
			d.metrics.RecordReplayFailure("error")
			break
		}

		if code.IsSuccess() {
			d.afterReplay(ctx, current, code)
			d.counters.replayed.Add(1)
			d.metrics.RecordReplay(time.Since(start).Seconds(), attempts)
			return true
		}
		d.metrics.RecordReplayFailure(code.String())

		res, err := d.resolver.Resolve(ctx, current, code)
		if err != nil {
			d.logger.Error("Conflict resolution failed",
				zap.String("csn", msg.CSN.String()),
				zap.String("dn", current.DN.String()),
				zap.Stringer("result_code", code),
				zap.Error(err))
			break
		}
		d.recordNamingConflict(res.Resolved)
		if res.NeedsRepair {
			d.counters.repairNeeded.Add(1)
		}

		if res.Outcome == conflict.OutcomeDone {
			d.counters.replayed.Add(1)
			d.metrics.RecordReplay(time.Since(start).Seconds(), attempts)
			return true
		}
		current = res.Msg
	}

	// give up and let the stream move on; the repair tool reconciles it
	d.counters.repairNeeded.Add(1)
	d.logger.Error("Replicated operation needs manual repair",
		zap.String("reason", "replay attempts exhausted"),
		zap.Stringer("kind", msg.Kind),
		zap.String("csn", msg.CSN.String()),
		zap.String("dn", current.DN.String()),
		zap.String("entry_uuid", msg.EntryUUID),
		zap.Stringer("result_code", code),
		zap.Int("attempts", attempts))
	d.counters.replayed.Add(1)
	d.metrics.RecordReplay(time.Since(start).Seconds(), attempts)
	return true
}

func (d *ReplicationDomain) recordNamingConflict(resolved bool) {
	if resolved {
		d.counters.resolvedNaming.Add(1)
	} else {
		d.counters.unresolvedNaming.Add(1)
	}
	d.metrics.RecordNamingConflict(resolved)
}

// afterReplay frees the name a replayed Delete or ModifyDN gave up.
func (d *ReplicationDomain) afterReplay(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) {
	if code != model.Success {
		return
	}
	if msg.Kind == model.OpDelete || msg.Kind == model.OpModifyDN {
		d.clearConflict(ctx, msg.DN)
	}
}

func (d *ReplicationDomain) clearConflict(ctx context.Context, freed model.DN) {
	if _, err := d.resolver.ClearConflict(ctx, freed); err != nil {
		d.logger.Warn("Failed to clear conflict",
			zap.String("dn", freed.String()),
			zap.Error(err))
	}
}

// applyWithRetry applies msg once, repeating the attempt while the backend
// reports a transient failure. Busy is retried at once, Unavailable after
// a short backoff. A transient code is returned when retries run out.
func (d *ReplicationDomain) applyWithRetry(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	var code model.ResultCode
	backoff := retry.WithMaxRetries(uint64(d.cfg.MaxTransientRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		if code == model.Unavailable {
			return d.cfg.UnavailableBackoff, false
		}
		return 0, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := d.apply(ctx, msg)
		if err != nil {
			return err
		}
		code = c
		if c.IsTransient() {
			return retry.RetryableError(errTransient)
		}
		return nil
	})
	if errors.Is(err, errTransient) {
		return code, nil
	}
	return code, err
}

// apply runs the pre-operation checks for msg and, when they pass, the
// backend operation.
func (d *ReplicationDomain) apply(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	switch msg.Kind {
	case model.OpAdd:
		return d.applyAdd(ctx, msg)
	case model.OpDelete:
		return d.applyDelete(ctx, msg)
	case model.OpModify:
		return d.applyModify(ctx, msg)
	case model.OpModifyDN:
		return d.applyModifyDN(ctx, msg)
	default:
		return model.Other, fmt.Errorf("unknown operation kind %v", msg.Kind)
	}
}

func (d *ReplicationDomain) applyAdd(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	if _, found, err := d.backend.FindDNByUUID(ctx, msg.EntryUUID); err != nil {
		return model.Other, err
	} else if found {
		return model.NoOperation, nil
	}

	if msg.ParentUUID != "" {
		parentDN, found, err := d.backend.FindDNByUUID(ctx, msg.ParentUUID)
		if err != nil {
			return model.Other, err
		}
		if !found || !parentDN.Equal(msg.DN.Parent()) {
			return model.NoSuchObject, nil
		}
	}

	entry := msg.Entry()
	entry.RemoveAttribute(model.AttrHistorical)
	for attr := range entry.Attributes {
		if d.fractional[model.AttrName(attr)] {
			delete(entry.Attributes, attr)
		}
	}

	h := historical.New(d.cfg.Schema)
	h.RecordAdd(msg.CSN)
	entry.SetValues(model.AttrHistorical, h.EncodeAndPurge(time.Now(), d.cfg.PurgeDelay)...)

	return d.backend.Add(ctx, entry), nil
}

// checkTarget reports NoSuchObject unless the entry at msg.DN is the one the
// operation was made on.
func (d *ReplicationDomain) checkTarget(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	id, found, err := d.backend.FindUUIDByDN(ctx, msg.DN)
	if err != nil {
		return model.Other, err
	}
	if !found || id != msg.EntryUUID {
		return model.NoSuchObject, nil
	}
	return model.Success, nil
}

func (d *ReplicationDomain) applyDelete(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	if code, err := d.checkTarget(ctx, msg); err != nil || code != model.Success {
		return code, err
	}
	return d.backend.Delete(ctx, msg.DN), nil
}

func (d *ReplicationDomain) applyModify(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	if code, err := d.checkTarget(ctx, msg); err != nil || code != model.Success {
		return code, err
	}

	mods := d.filterMods(msg.Mods)
	if len(mods) == 0 {
		return model.NoOperation, nil
	}

	entry, err := d.backend.GetEntry(ctx, msg.DN)
	if err != nil {
		return model.Other, err
	}
	if entry == nil {
		return model.NoSuchObject, nil
	}
	h, err := d.loadHistory(ctx, msg.EntryUUID)
	if err != nil {
		return model.Other, err
	}

	replayed, conflicted := h.Replay(msg.CSN, mods, entry)
	if conflicted {
		d.counters.resolvedModify.Add(1)
		d.metrics.ModifyConflictsResolvedTotal.Inc()
	}
	if dropped := len(mods) - len(replayed); dropped > 0 {
		d.counters.droppedMods.Add(uint64(dropped))
		d.metrics.DroppedModificationsTotal.Add(float64(dropped))
	}

	code := model.NoOperation
	if len(replayed) > 0 {
		code = d.backend.Modify(ctx, msg.DN, replayed)
		if !code.IsSuccess() {
			return code, nil
		}
	}
	if err := d.saveHistory(ctx, msg.EntryUUID, h); err != nil {
		return model.Other, err
	}
	return code, nil
}

func (d *ReplicationDomain) applyModifyDN(ctx context.Context, msg *model.UpdateMsg) (model.ResultCode, error) {
	if code, err := d.checkTarget(ctx, msg); err != nil || code != model.Success {
		return code, err
	}

	if msg.NewSuperiorUUID != "" {
		superior, found, err := d.backend.FindDNByUUID(ctx, msg.NewSuperiorUUID)
		if err != nil {
			return model.Other, err
		}
		if !found || !superior.Equal(msg.NewParent()) {
			return model.NoSuchObject, nil
		}
	}

	h, err := d.loadHistory(ctx, msg.EntryUUID)
	if err != nil {
		return model.Other, err
	}
	if h.AddedOrRenamedAfter(msg.CSN) {
		return model.NoOperation, nil
	}

	code := d.backend.ModifyDN(ctx, msg.DN, msg.NewRDN, msg.DeleteOldRDN, msg.NewSuperior)
	if !code.IsSuccess() {
		return code, nil
	}
	h.RecordModDN(msg.CSN, rdnMods(msg.DN.RDN(), msg.NewRDN, msg.DeleteOldRDN))
	if err := d.saveHistory(ctx, msg.EntryUUID, h); err != nil {
		return model.Other, err
	}
	return code, nil
}

// filterMods drops modifications of attributes this replica does not
// replicate. Dropped modifications never reach the history.
func (d *ReplicationDomain) filterMods(mods []model.Modification) []model.Modification {
	if len(d.fractional) == 0 {
		return mods
	}
	out := make([]model.Modification, 0, len(mods))
	for _, m := range mods {
		if !d.fractional[model.AttrName(m.Attr)] {
			out = append(out, m)
		}
	}
	return out
}

func (d *ReplicationDomain) loadHistory(ctx context.Context, id string) (*historical.EntryHistory, error) {
	lines, err := d.backend.LoadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", id, err)
	}
	h, err := historical.Decode(lines, d.cfg.Schema)
	if err != nil {
		d.logger.Warn("Discarding unreadable history",
			zap.String("entry_uuid", id),
			zap.Error(replerrors.InvalidHistorical(id, err)))
		return historical.New(d.cfg.Schema), nil
	}
	return h, nil
}

func (d *ReplicationDomain) saveHistory(ctx context.Context, id string, h *historical.EntryHistory) error {
	if err := d.backend.SaveHistory(ctx, id, h.EncodeAndPurge(time.Now(), d.cfg.PurgeDelay)); err != nil {
		return fmt.Errorf("failed to save history of %s: %w", id, err)
	}
	return nil
}

// rdnMods returns the attribute changes a rename implies: the new RDN
// values are added and, with deleteOldRDN, the old ones not kept are removed.
func rdnMods(oldRDN, newRDN model.RDN, deleteOldRDN bool) []model.Modification {
	var mods []model.Modification
	for _, ava := range newRDN {
		if ava.Type == model.AttrEntryUUID {
			continue
		}
		mods = append(mods, model.Modification{Type: model.ModAdd, Attr: ava.Type, Values: []string{ava.Value}})
	}
	if !deleteOldRDN {
		return mods
	}
	for _, ava := range oldRDN {
		if ava.Type == model.AttrEntryUUID || containsValue(newRDN.Values(ava.Type), ava.Value) {
			continue
		}
		mods = append(mods, model.Modification{Type: model.ModDelete, Attr: ava.Type, Values: []string{ava.Value}})
	}
	return mods
}

func containsValue(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
