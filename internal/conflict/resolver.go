package conflict

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/model"
)

// Outcome tells the replay loop what to do after a failed attempt
type Outcome int

const (
	// OutcomeDone ends replay of the message.
	OutcomeDone Outcome = iota
	// OutcomeRetry replays the rewritten message again.
	OutcomeRetry
)

func (o Outcome) String() string {
	if o == OutcomeRetry {
		return "retry"
	}
	return "done"
}

// Resolution is the verdict on one failed replay attempt. Resolved tells
// whether the conflict counts as resolved or unresolved; every resolution
// counts as exactly one of them.
type Resolution struct {
	Outcome  Outcome
	Msg      *model.UpdateMsg
	Resolved bool
	// NeedsRepair is set when the operation was given up and left for the
	// repair tool.
	NeedsRepair bool
}

func done(resolved bool) Resolution {
	return Resolution{Outcome: OutcomeDone, Resolved: resolved}
}

func retry(msg *model.UpdateMsg, resolved bool) Resolution {
	return Resolution{Outcome: OutcomeRetry, Msg: msg, Resolved: resolved}
}

// Resolver rewrites replicated operations that failed on a naming conflict.
type Resolver struct {
	baseDN  model.DN
	dir     Directory
	ids     IdentityResolver
	history HistoryStore
	alerter Alerter
	logger  *zap.Logger
}

// NewResolver creates a resolver for the naming context rooted at baseDN.
func NewResolver(baseDN model.DN, dir Directory, ids IdentityResolver, history HistoryStore, alerter Alerter, logger *zap.Logger) *Resolver {
	return &Resolver{
		baseDN:  baseDN,
		dir:     dir,
		ids:     ids,
		history: history,
		alerter: alerter,
		logger:  logger,
	}
}

// Resolve decides how to continue after msg failed with code. The input
// message is never modified; a retry carries a rewritten copy.
func (r *Resolver) Resolve(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) (Resolution, error) {
	switch msg.Kind {
	case model.OpAdd:
		return r.resolveAdd(ctx, msg, code)
	case model.OpDelete:
		return r.resolveDelete(ctx, msg, code)
	case model.OpModify:
		return r.resolveModify(ctx, msg, code)
	case model.OpModifyDN:
		return r.resolveModifyDN(ctx, msg, code)
	default:
		return Resolution{}, fmt.Errorf("unknown operation kind %v", msg.Kind)
	}
}

func (r *Resolver) resolveAdd(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) (Resolution, error) {
	switch code {
	case model.NoSuchObject:
		if msg.ParentUUID == "" {
			return r.needsRepair(ctx, msg, code, "add of an entry without parent failed"), nil
		}
		parentDN, found, err := r.ids.FindDNByUUID(ctx, msg.ParentUUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to find parent %s: %w", msg.ParentUUID, err)
		}
		out := msg.Clone()
		if found {
			out.DN = parentDN.Child(msg.DN.RDN())
			return retry(out, true), nil
		}
		// the parent is gone: park the entry under the base
		out.Attributes = withConflictMarker(out.Attributes, msg.DN)
		out.DN = r.baseDN.Child(ConflictRDN(msg.EntryUUID, msg.DN.RDN()))
		out.ParentUUID = ""
		r.alert(ctx, msg.DN, "parent of added entry no longer exists")
		return retry(out, false), nil

	case model.EntryAlreadyExists:
		_, found, err := r.ids.FindDNByUUID(ctx, msg.EntryUUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to find entry %s: %w", msg.EntryUUID, err)
		}
		if found {
			// the add was already replayed
			return done(true), nil
		}
		out := msg.Clone()
		out.Attributes = withConflictMarker(out.Attributes, msg.DN)
		out.DN = ConflictDN(msg.EntryUUID, msg.DN)
		r.alert(ctx, msg.DN, "entry added concurrently on two replicas")
		return retry(out, false), nil
	}

	return r.needsRepair(ctx, msg, code, "add failed"), nil
}

func (r *Resolver) resolveDelete(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) (Resolution, error) {
	switch code {
	case model.NoSuchObject:
		current, found, err := r.ids.FindDNByUUID(ctx, msg.EntryUUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to find entry %s: %w", msg.EntryUUID, err)
		}
		if !found {
			// deleted already, by this change or a concurrent one
			return done(true), nil
		}
		out := msg.Clone()
		out.DN = current
		return retry(out, true), nil

	case model.NotAllowedOnNonLeaf:
		renamed, err := r.renameChildren(ctx, msg.DN)
		if err != nil {
			return Resolution{}, err
		}
		if renamed == 0 {
			// nothing moved out of the way; retrying fails the same way
			return r.needsRepair(ctx, msg, code, "delete of a non-leaf entry failed"), nil
		}
		return retry(msg.Clone(), false), nil
	}

	return r.needsRepair(ctx, msg, code, "delete failed"), nil
}

// renameChildren parks every direct child of dn under the base so that dn
// can be deleted. Each child is marked with the DN it had.
func (r *Resolver) renameChildren(ctx context.Context, dn model.DN) (int, error) {
	children, err := r.dir.SearchChildren(ctx, dn)
	if err != nil {
		return 0, fmt.Errorf("failed to search children of %s: %w", dn, err)
	}

	renamed := 0
	for _, child := range children {
		r.alert(ctx, child.DN, "parent deleted on another replica while this entry was added")

		newRDN := ConflictRDN(child.UUID, child.DN.RDN())
		if rc := r.dir.ModifyDN(ctx, child.DN, newRDN, true, r.baseDN); rc != model.Success {
			r.logger.Error("Failed to rename conflicting child",
				zap.String("dn", child.DN.String()),
				zap.String("entry_uuid", child.UUID),
				zap.Stringer("result_code", rc))
			continue
		}
		renamed++

		marker := []model.Modification{{Type: model.ModReplace, Attr: model.AttrConflict, Values: []string{child.DN.String()}}}
		if rc := r.dir.Modify(ctx, r.baseDN.Child(newRDN), marker); rc != model.Success {
			r.logger.Error("Failed to mark conflicting child",
				zap.String("dn", child.DN.String()),
				zap.Stringer("result_code", rc))
		}
	}
	return renamed, nil
}

func (r *Resolver) resolveModifyDN(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) (Resolution, error) {
	current, found, err := r.ids.FindDNByUUID(ctx, msg.EntryUUID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to find entry %s: %w", msg.EntryUUID, err)
	}

	if !found {
		// deleted concurrently
		return done(true), nil
	}

	superior := msg.NewSuperior
	superiorFound := true
	switch {
	case msg.NewSuperiorUUID != "":
		superior, superiorFound, err = r.ids.FindDNByUUID(ctx, msg.NewSuperiorUUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to find new superior %s: %w", msg.NewSuperiorUUID, err)
		}
	case superior == nil:
		superior = current.Parent()
	}
	if !superiorFound {
		r.markConflict(ctx, current, current.Parent().Child(msg.NewRDN))
		return done(false), nil
	}

	newDN := superior.Child(msg.NewRDN)
	if newDN.Equal(current) {
		// replayed before
		return done(true), nil
	}

	switch code {
	case model.NoSuchObject, model.UnwillingToPerform, model.ObjectClassViolation:
		out := msg.Clone()
		out.DN = current
		out.NewSuperior = superior
		return retry(out, true), nil

	case model.EntryAlreadyExists:
		r.markConflict(ctx, current, newDN)
		out := msg.Clone()
		out.DN = current
		out.NewRDN = ConflictRDN(msg.EntryUUID, msg.NewRDN)
		out.NewSuperior = superior
		return retry(out, false), nil
	}

	return r.needsRepair(ctx, msg, code, "modify dn failed"), nil
}

// markConflict records on the entry at dn the name it could not take.
func (r *Resolver) markConflict(ctx context.Context, dn, wanted model.DN) {
	marker := []model.Modification{{Type: model.ModReplace, Attr: model.AttrConflict, Values: []string{wanted.String()}}}
	if rc := r.dir.Modify(ctx, dn, marker); rc != model.Success {
		r.logger.Error("Failed to mark conflicting entry",
			zap.String("dn", dn.String()),
			zap.Stringer("result_code", rc))
	}
	r.alert(ctx, wanted, "entry could not be renamed")
}

func (r *Resolver) resolveModify(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode) (Resolution, error) {
	switch code {
	case model.NoSuchObject, model.NotAllowedOnRDN:
		current, found, err := r.ids.FindDNByUUID(ctx, msg.EntryUUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to find entry %s: %w", msg.EntryUUID, err)
		}
		if !found {
			// deleted concurrently
			return done(true), nil
		}
		out := msg.Clone()
		out.DN = current
		if code == model.NotAllowedOnRDN {
			out.Mods = keepRDNValues(out.Mods, current.RDN())
			if len(out.Mods) == 0 {
				return done(true), nil
			}
		}
		return retry(out, true), nil
	}

	return r.needsRepair(ctx, msg, code, "modify failed"), nil
}

// keepRDNValues rewrites modifications that would remove a value the RDN
// names so that the value survives.
func keepRDNValues(mods []model.Modification, rdn model.RDN) []model.Modification {
	out := make([]model.Modification, 0, len(mods))
	for _, mod := range mods {
		rdnValues := rdn.Values(model.AttrName(mod.Attr))
		if len(rdnValues) == 0 {
			out = append(out, mod)
			continue
		}

		switch {
		case mod.Type == model.ModReplace:
			for _, v := range rdnValues {
				if !containsFold(mod.Values, v) {
					mod.Values = append(mod.Values, v)
				}
			}
		case mod.Type == model.ModDelete && len(mod.Values) == 0:
			mod.Type = model.ModReplace
			mod.Values = append([]string(nil), rdnValues...)
		case mod.Type == model.ModDelete:
			var kept []string
			for _, v := range mod.Values {
				if !containsFold(rdnValues, v) {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				continue
			}
			mod.Values = kept
		}
		out = append(out, mod)
	}
	return out
}

func (r *Resolver) needsRepair(ctx context.Context, msg *model.UpdateMsg, code model.ResultCode, reason string) Resolution {
	r.logger.Error("Replicated operation needs manual repair",
		zap.String("reason", reason),
		zap.Stringer("kind", msg.Kind),
		zap.String("csn", msg.CSN.String()),
		zap.String("dn", msg.DN.String()),
		zap.String("entry_uuid", msg.EntryUUID),
		zap.Stringer("result_code", code))
	r.alert(ctx, msg.DN, fmt.Sprintf("%s: %s", reason, code))
	return Resolution{Outcome: OutcomeDone, NeedsRepair: true}
}

func (r *Resolver) alert(ctx context.Context, dn model.DN, message string) {
	if r.alerter != nil {
		r.alerter.SendAlert(ctx, dn, message)
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
