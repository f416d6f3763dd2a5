package conflict

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/historical"
	"github.com/devrev/pairdb/replication/internal/model"
)

// ClearConflict looks for an entry parked because freed was taken and, if
// one exists, renames it back to freed and drops its conflict marker. When
// several entries wanted freed, the one added or renamed first wins.
// Returns the entry that was restored, or nil.
func (r *Resolver) ClearConflict(ctx context.Context, freed model.DN) (*model.Entry, error) {
	candidates, err := r.dir.SearchByAttribute(ctx, r.baseDN, model.AttrConflict)
	if err != nil {
		return nil, fmt.Errorf("failed to search conflict entries: %w", err)
	}

	var (
		winner     *model.Entry
		winnerDate csn.CSN
	)
	for _, e := range candidates {
		marker, ok := e.ConflictMarker()
		if !ok {
			continue
		}
		wanted, err := model.ParseDN(marker)
		if err != nil || !wanted.Equal(freed) {
			continue
		}

		date, err := r.dnDate(ctx, e.UUID)
		if err != nil {
			return nil, err
		}
		if winner == nil || date.Older(winnerDate) {
			winner, winnerDate = e, date
		}
	}
	if winner == nil {
		return nil, nil
	}

	if rc := r.dir.ModifyDN(ctx, winner.DN, freed.RDN(), false, freed.Parent()); rc != model.Success {
		r.logger.Warn("Failed to restore conflicting entry",
			zap.String("dn", winner.DN.String()),
			zap.String("freed_dn", freed.String()),
			zap.Stringer("result_code", rc))
		return nil, nil
	}

	clear := []model.Modification{{Type: model.ModDelete, Attr: model.AttrConflict}}
	if rc := r.dir.Modify(ctx, freed, clear); rc != model.Success {
		r.logger.Warn("Failed to clear conflict marker",
			zap.String("dn", freed.String()),
			zap.Stringer("result_code", rc))
	}

	r.logger.Info("Restored entry to its original name",
		zap.String("dn", freed.String()),
		zap.String("entry_uuid", winner.UUID))

	restored := winner.Clone()
	restored.DN = freed
	restored.RemoveAttribute(model.AttrConflict)
	return restored, nil
}

// dnDate returns when the entry got its current name. Entries without any
// recorded history sort last.
func (r *Resolver) dnDate(ctx context.Context, uuid string) (csn.CSN, error) {
	if r.history == nil {
		return csn.CSN{}, nil
	}
	lines, err := r.history.LoadHistory(ctx, uuid)
	if err != nil {
		return csn.CSN{}, fmt.Errorf("failed to load history of %s: %w", uuid, err)
	}
	h, err := historical.Decode(lines, nil)
	if err != nil {
		return csn.CSN{}, fmt.Errorf("failed to decode history of %s: %w", uuid, err)
	}
	date := h.DNDate()
	if date.IsZero() {
		return csn.CSN{Time: ^uint64(0)}, nil
	}
	return date, nil
}
