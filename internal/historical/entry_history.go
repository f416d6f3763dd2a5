package historical

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

// dnAttr is the pseudo attribute carrying the add and rename dates of an entry.
const dnAttr = "dn"

// EntryHistory is the historical state of one entry: one Attribute per
// attribute description plus the dates the entry was added and last renamed.
type EntryHistory struct {
	schema    *model.Schema
	attrs     map[string]Attribute
	addDate   csn.CSN
	modDNDate csn.CSN
}

// New returns an empty history. The schema decides, once per attribute,
// whether the single- or multi-valued variant tracks it.
func New(schema *model.Schema) *EntryHistory {
	return &EntryHistory{
		schema: schema,
		attrs:  make(map[string]Attribute),
	}
}

// isTracked reports whether changes to attr are kept in the history.
func isTracked(attr string) bool {
	switch model.AttrName(attr) {
	case model.AttrHistorical, model.AttrEntryUUID, dnAttr:
		return false
	}
	return true
}

func (h *EntryHistory) attribute(desc string) Attribute {
	key := model.AttrKey(desc)
	if a, ok := h.attrs[key]; ok {
		return a
	}
	var a Attribute
	if h.schema.IsSingleValued(key) {
		a = NewSingle()
	} else {
		a = NewMultiple()
	}
	h.attrs[key] = a
	return a
}

// Attribute returns the history of an attribute description, if tracked.
func (h *EntryHistory) Attribute(desc string) (Attribute, bool) {
	a, ok := h.attrs[model.AttrKey(desc)]
	return a, ok
}

// Replay resolves the modifications of a replicated Modify against the
// history and returns the modifications to apply. entry is the entry before
// the operation. Modifications of the history and entryuuid attributes are
// dropped. The input slice is not modified.
func (h *EntryHistory) Replay(c csn.CSN, mods []model.Modification, entry *model.Entry) ([]model.Modification, bool) {
	out := make([]model.Modification, 0, len(mods))
	conflict := false

	for seq, mod := range mods {
		if !isTracked(mod.Attr) {
			continue
		}
		rewritten, keep, found := h.attribute(mod.Attr).Replay(c, seq, mod.Clone(), entry)
		if found {
			conflict = true
		}
		if keep {
			out = append(out, rewritten)
		}
	}
	return out, conflict
}

// ProcessLocal records the modifications of a local operation.
func (h *EntryHistory) ProcessLocal(c csn.CSN, mods []model.Modification) {
	for seq, mod := range mods {
		if !isTracked(mod.Attr) {
			continue
		}
		h.attribute(mod.Attr).ProcessNonConflicting(c, seq, mod)
	}
}

// RecordAdd records the date the entry was added.
func (h *EntryHistory) RecordAdd(c csn.CSN) {
	h.addDate = csn.Max(h.addDate, c)
}

// RecordModDN records a rename and the RDN attribute changes it implies.
func (h *EntryHistory) RecordModDN(c csn.CSN, rdnMods []model.Modification) {
	h.modDNDate = csn.Max(h.modDNDate, c)
	h.ProcessLocal(c, rdnMods)
}

func (h *EntryHistory) AddDate() csn.CSN   { return h.addDate }
func (h *EntryHistory) ModDNDate() csn.CSN { return h.modDNDate }

// DNDate returns the CSN of the newest add or rename of the entry.
func (h *EntryHistory) DNDate() csn.CSN {
	return csn.Max(h.addDate, h.modDNDate)
}

// AddedOrRenamedAfter reports whether the entry got its current name after c.
func (h *EntryHistory) AddedOrRenamedAfter(c csn.CSN) bool {
	return c.Older(h.addDate) || c.Older(h.modDNDate)
}

// EncodeAndPurge encodes the history, leaving out facts older than
// now-retention. A zero retention keeps everything.
func (h *EntryHistory) EncodeAndPurge(now time.Time, retention time.Duration) []string {
	var horizon csn.CSN
	if retention > 0 {
		horizon = csn.CSN{Time: uint64(now.Add(-retention).UnixMilli())}
	}
	return h.Encode(horizon)
}

// Encode returns one line per fact not older than purgeBefore, in the form
// attr[;options]:csn:kind[:value]. A value added by the same change that
// deleted the attribute is written once as repl instead of add plus attrDel.
func (h *EntryHistory) Encode(purgeBefore csn.CSN) []string {
	keys := make([]string, 0, len(h.attrs))
	for k := range h.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, key := range keys {
		attr := h.attrs[key]
		deleteTime := attr.DeleteTime()
		attrDel := !deleteTime.IsZero()

		for _, f := range attr.Values() {
			if f.Time().Older(purgeBefore) {
				continue
			}
			switch {
			case !f.IsAdd():
				out = append(out, encodeLine(key, f.Deleted, KindDel, f.Value))
			case attrDel && f.Added == deleteTime:
				out = append(out, encodeLine(key, f.Added, KindRepl, f.Value))
				attrDel = false
			default:
				out = append(out, encodeLine(key, f.Added, KindAdd, f.Value))
			}
		}
		if attrDel && !deleteTime.Older(purgeBefore) {
			out = append(out, encodeLine(key, deleteTime, KindAttrDel, ""))
		}
	}

	if !h.addDate.IsZero() && !h.addDate.Older(purgeBefore) {
		out = append(out, encodeLine(dnAttr, h.addDate, KindAdd, ""))
	}
	if !h.modDNDate.IsZero() && !h.modDNDate.Older(purgeBefore) {
		out = append(out, encodeLine(dnAttr, h.modDNDate, KindModDN, ""))
	}
	return out
}

func encodeLine(attr string, c csn.CSN, kind Kind, value string) string {
	line := attr + ":" + c.String() + ":" + string(kind)
	if kind == KindAdd || kind == KindDel || kind == KindRepl {
		if value != "" {
			line += ":" + value
		}
	}
	return line
}

// Decode rebuilds a history from the lines produced by Encode. Facts are
// assigned directly, so line order does not matter.
func Decode(lines []string, schema *model.Schema) (*EntryHistory, error) {
	h := New(schema)
	for _, line := range lines {
		if err := h.decodeLine(line); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *EntryHistory) decodeLine(line string) error {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 3 {
		return fmt.Errorf("invalid historical value %q: expected attr:csn:kind", line)
	}

	c, err := csn.Parse(parts[1])
	if err != nil {
		return fmt.Errorf("invalid historical value %q: %w", line, err)
	}
	kind := Kind(parts[2])
	value, hasValue := "", len(parts) == 4
	if hasValue {
		value = parts[3]
	}

	if model.AttrKey(parts[0]) == dnAttr {
		switch kind {
		case KindAdd:
			h.addDate = csn.Max(h.addDate, c)
		case KindModDN:
			h.modDNDate = csn.Max(h.modDNDate, c)
		default:
			return fmt.Errorf("invalid historical value %q: unknown dn fact %q", line, kind)
		}
		return nil
	}

	switch kind {
	case KindAdd, KindDel, KindRepl, KindAttrDel:
	default:
		return fmt.Errorf("invalid historical value %q: unknown kind %q", line, kind)
	}
	h.attribute(parts[0]).assign(kind, value, hasValue, c)
	return nil
}
