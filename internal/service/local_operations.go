package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/model"
)

// LocalAdd adds entry on this replica and publishes the change. An entry
// without a unique identifier gets a new one.
func (d *ReplicationDomain) LocalAdd(ctx context.Context, entry *model.Entry) (model.ResultCode, error) {
	e := entry.Clone()
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}

	var parentUUID string
	if parent := e.DN.Parent(); !parent.IsRoot() {
		id, found, err := d.backend.FindUUIDByDN(ctx, parent)
		if err != nil {
			return model.Other, err
		}
		if found {
			parentUUID = id
		}
	}

	c := d.local.AssignCSN()

	h := historical.New(d.cfg.Schema)
	h.RecordAdd(c)
	e.SetValues(model.AttrHistorical, h.EncodeAndPurge(time.Now(), d.cfg.PurgeDelay)...)

	code := d.backend.Add(ctx, e)
	if !code.IsSuccess() {
		return d.abandon(ctx, c, "add", code)
	}

	attrs := make(map[string][]string, len(e.Attributes))
	for k, v := range e.Attributes {
		if k != model.AttrHistorical {
			attrs[k] = append([]string(nil), v...)
		}
	}
	msg := &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        c,
		DN:         e.DN,
		EntryUUID:  e.UUID,
		ParentUUID: parentUUID,
		Attributes: attrs,
	}
	return code, d.commitLocal(ctx, msg)
}

// LocalDelete deletes the entry at dn on this replica and publishes the
// change. A conflicting entry waiting for dn takes its place.
func (d *ReplicationDomain) LocalDelete(ctx context.Context, dn model.DN) (model.ResultCode, error) {
	id, found, err := d.backend.FindUUIDByDN(ctx, dn)
	if err != nil {
		return model.Other, err
	}
	if !found {
		d.metrics.RecordLocalChange("delete", model.NoSuchObject.String())
		return model.NoSuchObject, nil
	}

	c := d.local.AssignCSN()
	code := d.backend.Delete(ctx, dn)
	if !code.IsSuccess() {
		return d.abandon(ctx, c, "delete", code)
	}

	msg := &model.UpdateMsg{Kind: model.OpDelete, CSN: c, DN: dn, EntryUUID: id}
	if err := d.commitLocal(ctx, msg); err != nil {
		return code, err
	}
	d.clearConflict(ctx, dn)
	return code, nil
}

// LocalModify modifies the entry at dn on this replica, records the
// modifications in its history and publishes the change.
func (d *ReplicationDomain) LocalModify(ctx context.Context, dn model.DN, mods []model.Modification) (model.ResultCode, error) {
	id, found, err := d.backend.FindUUIDByDN(ctx, dn)
	if err != nil {
		return model.Other, err
	}
	if !found {
		d.metrics.RecordLocalChange("modify", model.NoSuchObject.String())
		return model.NoSuchObject, nil
	}
	for _, m := range mods {
		if model.AttrName(m.Attr) == model.AttrHistorical {
			return model.UnwillingToPerform, replerrors.InvalidArgument(
				fmt.Sprintf("attribute %s is maintained by replication", m.Attr), nil)
		}
	}

	h, err := d.loadHistory(ctx, id)
	if err != nil {
		return model.Other, err
	}

	c := d.local.AssignCSN()
	code := d.backend.Modify(ctx, dn, mods)
	if !code.IsSuccess() {
		return d.abandon(ctx, c, "modify", code)
	}
	h.ProcessLocal(c, mods)
	if err := d.saveHistory(ctx, id, h); err != nil {
		d.logger.Error("Failed to record local modification",
			zap.String("dn", dn.String()),
			zap.Error(err))
	}

	msg := &model.UpdateMsg{Kind: model.OpModify, CSN: c, DN: dn, EntryUUID: id, Mods: model.CloneMods(mods)}
	return code, d.commitLocal(ctx, msg)
}

// LocalModifyDN renames the entry at dn on this replica and publishes the
// change. A nil newSuperior keeps the parent. A conflicting entry waiting
// for dn takes its place.
func (d *ReplicationDomain) LocalModifyDN(ctx context.Context, dn model.DN, newRDN model.RDN, deleteOldRDN bool, newSuperior model.DN) (model.ResultCode, error) {
	id, found, err := d.backend.FindUUIDByDN(ctx, dn)
	if err != nil {
		return model.Other, err
	}
	if !found {
		d.metrics.RecordLocalChange("moddn", model.NoSuchObject.String())
		return model.NoSuchObject, nil
	}

	var superiorUUID string
	if newSuperior != nil {
		superiorUUID, _, err = d.backend.FindUUIDByDN(ctx, newSuperior)
		if err != nil {
			return model.Other, err
		}
	}

	h, err := d.loadHistory(ctx, id)
	if err != nil {
		return model.Other, err
	}

	c := d.local.AssignCSN()
	code := d.backend.ModifyDN(ctx, dn, newRDN, deleteOldRDN, newSuperior)
	if !code.IsSuccess() {
		return d.abandon(ctx, c, "moddn", code)
	}
	h.RecordModDN(c, rdnMods(dn.RDN(), newRDN, deleteOldRDN))
	if err := d.saveHistory(ctx, id, h); err != nil {
		d.logger.Error("Failed to record local rename",
			zap.String("dn", dn.String()),
			zap.Error(err))
	}

	msg := &model.UpdateMsg{
		Kind:            model.OpModifyDN,
		CSN:             c,
		DN:              dn,
		EntryUUID:       id,
		NewRDN:          newRDN,
		DeleteOldRDN:    deleteOldRDN,
		NewSuperior:     newSuperior,
		NewSuperiorUUID: superiorUUID,
	}
	if err := d.commitLocal(ctx, msg); err != nil {
		return code, err
	}
	d.clearConflict(ctx, dn)
	return code, nil
}

// commitLocal records a successful local change in the change log and
// releases it for publication.
func (d *ReplicationDomain) commitLocal(ctx context.Context, msg *model.UpdateMsg) error {
	if d.changelog != nil {
		if err := d.changelog.AppendChange(ctx, msg); err != nil {
			d.logger.Warn("Failed to append change to change log",
				zap.String("csn", msg.CSN.String()),
				zap.Error(err))
		}
	}

	if _, err := d.local.CommitAndFlush(ctx, msg.CSN, msg); err != nil {
		d.logger.DPanic("Committed an untracked local change",
			zap.String("csn", msg.CSN.String()),
			zap.Error(err))
		return err
	}
	d.metrics.RecordLocalChange(msg.Kind.String(), model.Success.String())
	d.updateGauges()
	return nil
}

// abandon drops the CSN of a failed local operation and flushes the newer
// changes it was holding back.
func (d *ReplicationDomain) abandon(ctx context.Context, c csn.CSN, op string, code model.ResultCode) (model.ResultCode, error) {
	d.local.Remove(c)
	d.local.Flush(ctx)
	d.metrics.RecordLocalChange(op, code.String())
	d.logger.Debug("Local operation failed",
		zap.String("op", op),
		zap.String("csn", c.String()),
		zap.Stringer("result_code", code))
	return code, nil
}
