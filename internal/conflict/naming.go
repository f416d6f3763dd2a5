// Package conflict resolves naming conflicts hit while replaying replicated
// operations, parks entries that cannot keep their name in the conflict
// namespace and restores them once their name is free again.
package conflict

import (
	"context"

	"github.com/devrev/pairdb/replication/internal/model"
)

// Directory is the part of the backend the resolver reads and renames
// conflicting entries through. Writes made here are not replicated.
// GetEntry returns nil and no error when dn does not exist.
type Directory interface {
	GetEntry(ctx context.Context, dn model.DN) (*model.Entry, error)
	Modify(ctx context.Context, dn model.DN, mods []model.Modification) model.ResultCode
	ModifyDN(ctx context.Context, dn model.DN, newRDN model.RDN, deleteOldRDN bool, newSuperior model.DN) model.ResultCode
	SearchChildren(ctx context.Context, dn model.DN) ([]*model.Entry, error)
	// SearchByAttribute returns the entries under base holding attr.
	SearchByAttribute(ctx context.Context, base model.DN, attr string) ([]*model.Entry, error)
}

// IdentityResolver maps stable entry identifiers to current names.
type IdentityResolver interface {
	FindDNByUUID(ctx context.Context, uuid string) (model.DN, bool, error)
	FindUUIDByDN(ctx context.Context, dn model.DN) (string, bool, error)
}

// HistoryStore reads and writes the encoded history of an entry.
type HistoryStore interface {
	LoadHistory(ctx context.Context, uuid string) ([]string, error)
	SaveHistory(ctx context.Context, uuid string, lines []string) error
}

// Alerter notifies operators of conflicts that need manual attention.
type Alerter interface {
	SendAlert(ctx context.Context, dn model.DN, message string)
}

// ConflictRDN returns the RDN an entry is parked under in the conflict
// namespace: entryuuid=<uuid> joined to its original RDN. An RDN already
// carrying an entryuuid is returned unchanged.
func ConflictRDN(uuid string, rdn model.RDN) model.RDN {
	if rdn.HasType(model.AttrEntryUUID) {
		return rdn
	}
	out := make(model.RDN, 0, len(rdn)+1)
	out = append(out, model.AVA{Type: model.AttrEntryUUID, Value: uuid})
	return append(out, rdn...)
}

// ConflictDN returns dn with its RDN replaced by ConflictRDN, keeping the
// parent.
func ConflictDN(uuid string, dn model.DN) model.DN {
	return dn.Parent().Child(ConflictRDN(uuid, dn.RDN()))
}

// IsConflictDN reports whether dn names an entry parked in the conflict
// namespace.
func IsConflictDN(dn model.DN) bool {
	return dn.RDN().HasType(model.AttrEntryUUID)
}

func withConflictMarker(attrs map[string][]string, original model.DN) map[string][]string {
	out := make(map[string][]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[model.AttrConflict] = []string{original.String()}
	return out
}
