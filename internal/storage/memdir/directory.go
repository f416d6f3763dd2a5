// Package memdir is an in-memory directory backend. It holds entries in a
// DN-ordered index, keeps a unique identifier on every entry and stores the
// encoded history of an entry in its ds-sync-hist attribute.
package memdir

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const sep = "\x00"

// treeKey orders entries from the root down: the key of a DN is the key of
// its parent followed by its own normalized RDN.
func treeKey(dn model.DN) string {
	var b strings.Builder
	for i := len(dn) - 1; i >= 0; i-- {
		b.WriteString(dn[i].Normalized())
		b.WriteString(sep)
	}
	return b.String()
}

// Directory is a concurrency-safe in-memory directory tree.
type Directory struct {
	mu     sync.RWMutex
	tree   *index[*model.Entry]
	byUUID map[string]*model.Entry
	schema *model.Schema
	logger *zap.Logger
}

// New creates an empty directory. The schema is used to check mandatory
// attributes on add, modify and rename.
func New(schema *model.Schema, logger *zap.Logger) *Directory {
	return &Directory{
		tree:   newIndex[*model.Entry](),
		byUUID: make(map[string]*model.Entry),
		schema: schema,
		logger: logger,
	}
}

// Add stores a new entry. An entry without UUID gets a fresh one. The
// parent must exist unless it is the root.
func (d *Directory) Add(_ context.Context, entry *model.Entry) model.ResultCode {
	e := entry.Clone()
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	for _, v := range e.DN.RDN().Values(model.AttrEntryUUID) {
		if !strings.EqualFold(v, e.UUID) {
			return model.ConstraintViolation
		}
	}
	e.SetValues(model.AttrEntryUUID, e.UUID)
	for _, ava := range e.DN.RDN() {
		e.AddValues(ava.Type, ava.Value)
	}
	if len(d.schema.MissingMandatory(e)) > 0 {
		return model.ObjectClassViolation
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := treeKey(e.DN)
	if _, ok := d.tree.get(key); ok {
		return model.EntryAlreadyExists
	}
	if parent := e.DN.Parent(); !parent.IsRoot() {
		if _, ok := d.tree.get(treeKey(parent)); !ok {
			return model.NoSuchObject
		}
	}
	if _, ok := d.byUUID[e.UUID]; ok {
		return model.ConstraintViolation
	}

	d.tree.put(key, e)
	d.byUUID[e.UUID] = e
	d.logger.Debug("Entry added", zap.String("dn", e.DN.String()), zap.String("entry_uuid", e.UUID))
	return model.Success
}

// Delete removes a leaf entry.
func (d *Directory) Delete(_ context.Context, dn model.DN) model.ResultCode {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := treeKey(dn)
	e, ok := d.tree.get(key)
	if !ok {
		return model.NoSuchObject
	}
	if d.hasChildren(key) {
		return model.NotAllowedOnNonLeaf
	}
	d.tree.remove(key)
	delete(d.byUUID, e.UUID)
	d.logger.Debug("Entry deleted", zap.String("dn", dn.String()), zap.String("entry_uuid", e.UUID))
	return model.Success
}

func (d *Directory) hasChildren(key string) bool {
	found := false
	d.tree.scanPrefix(key, func(k string, _ *model.Entry) bool {
		if k == key {
			return true
		}
		found = true
		return false
	})
	return found
}

// Modify applies mods with permissive semantics. Removing a value the RDN
// names fails with NotAllowedOnRDN; the unique identifier cannot be changed.
func (d *Directory) Modify(_ context.Context, dn model.DN, mods []model.Modification) model.ResultCode {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := treeKey(dn)
	e, ok := d.tree.get(key)
	if !ok {
		return model.NoSuchObject
	}
	for _, m := range mods {
		if model.AttrName(m.Attr) == model.AttrEntryUUID {
			return model.UnwillingToPerform
		}
	}

	updated := model.ApplyMods(e, mods)
	for _, ava := range dn.RDN() {
		if !updated.HasValue(ava.Type, ava.Value) {
			return model.NotAllowedOnRDN
		}
	}
	if len(d.schema.MissingMandatory(updated)) > 0 {
		return model.ObjectClassViolation
	}

	e.Attributes = updated.Attributes
	return model.Success
}

// ModifyDN renames the entry at dn and moves its subtree along. A nil
// newSuperior keeps the current parent.
func (d *Directory) ModifyDN(_ context.Context, dn model.DN, newRDN model.RDN, deleteOldRDN bool, newSuperior model.DN) model.ResultCode {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldKey := treeKey(dn)
	e, ok := d.tree.get(oldKey)
	if !ok {
		return model.NoSuchObject
	}
	if newSuperior == nil {
		newSuperior = dn.Parent()
	}
	if !newSuperior.IsRoot() {
		if _, ok := d.tree.get(treeKey(newSuperior)); !ok {
			return model.NoSuchObject
		}
	}
	if dn.IsSuperiorOrEqual(newSuperior) {
		return model.UnwillingToPerform
	}
	for _, v := range newRDN.Values(model.AttrEntryUUID) {
		if !strings.EqualFold(v, e.UUID) {
			return model.ConstraintViolation
		}
	}

	newDN := newSuperior.Child(newRDN)
	newKey := treeKey(newDN)
	if newKey == oldKey {
		return model.Success
	}
	if _, ok := d.tree.get(newKey); ok {
		return model.EntryAlreadyExists
	}

	renamed := e.Clone()
	if deleteOldRDN {
		for _, ava := range dn.RDN() {
			if model.AttrName(ava.Type) == model.AttrEntryUUID || containsAVA(newRDN, ava) {
				continue
			}
			renamed.RemoveValues(ava.Type, ava.Value)
		}
	}
	for _, ava := range newRDN {
		renamed.AddValues(ava.Type, ava.Value)
	}
	if len(d.schema.MissingMandatory(renamed)) > 0 {
		return model.ObjectClassViolation
	}
	e.Attributes = renamed.Attributes

	var moved []*model.Entry
	d.tree.scanPrefix(oldKey, func(_ string, sub *model.Entry) bool {
		moved = append(moved, sub)
		return true
	})
	for _, sub := range moved {
		d.tree.remove(treeKey(sub.DN))
		tail := len(sub.DN) - len(dn)
		sub.DN = append(append(model.DN(nil), sub.DN[:tail]...), newDN...)
		d.tree.put(treeKey(sub.DN), sub)
	}

	d.logger.Debug("Entry renamed",
		zap.String("dn", dn.String()),
		zap.String("new_dn", newDN.String()),
		zap.Int("moved", len(moved)))
	return model.Success
}

func containsAVA(rdn model.RDN, ava model.AVA) bool {
	for _, a := range rdn {
		if model.AttrName(a.Type) == model.AttrName(ava.Type) && strings.EqualFold(a.Value, ava.Value) {
			return true
		}
	}
	return false
}

// GetEntry returns a copy of the entry at dn, or nil.
func (d *Directory) GetEntry(_ context.Context, dn model.DN) (*model.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.tree.get(treeKey(dn))
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// SearchChildren returns copies of the direct children of dn.
func (d *Directory) SearchChildren(_ context.Context, dn model.DN) ([]*model.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key := treeKey(dn)
	var out []*model.Entry
	d.tree.scanPrefix(key, func(k string, e *model.Entry) bool {
		if k != key && strings.Count(k[len(key):], sep) == 1 {
			out = append(out, e.Clone())
		}
		return true
	})
	return out, nil
}

// SearchByAttribute returns copies of the entries at or below base that
// hold attr.
func (d *Directory) SearchByAttribute(_ context.Context, base model.DN, attr string) ([]*model.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*model.Entry
	d.tree.scanPrefix(treeKey(base), func(_ string, e *model.Entry) bool {
		if e.HasAttribute(attr) {
			out = append(out, e.Clone())
		}
		return true
	})
	return out, nil
}

// FindDNByUUID returns the current DN of the entry with the given id.
func (d *Directory) FindDNByUUID(_ context.Context, id string) (model.DN, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byUUID[id]
	if !ok {
		return nil, false, nil
	}
	return append(model.DN(nil), e.DN...), true, nil
}

// FindUUIDByDN returns the unique identifier of the entry at dn.
func (d *Directory) FindUUIDByDN(_ context.Context, dn model.DN) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.tree.get(treeKey(dn))
	if !ok {
		return "", false, nil
	}
	return e.UUID, true, nil
}

// LoadHistory returns the encoded history of an entry. A missing entry has
// no history.
func (d *Directory) LoadHistory(_ context.Context, id string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byUUID[id]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.Values(model.AttrHistorical)...), nil
}

// SaveHistory replaces the encoded history of an entry.
func (d *Directory) SaveHistory(_ context.Context, id string, lines []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byUUID[id]
	if !ok {
		return replerrors.EntryNotFound(id)
	}
	e.Attributes[model.AttrHistorical] = append([]string(nil), lines...)
	if len(lines) == 0 {
		delete(e.Attributes, model.AttrHistorical)
	}
	return nil
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.len()
}

// Entries returns copies of all entries, parents before children.
func (d *Directory) Entries() []*model.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*model.Entry, 0, d.tree.len())
	d.tree.scanPrefix("", func(_ string, e *model.Entry) bool {
		out = append(out, e.Clone())
		return true
	})
	return out
}
