package model

import (
	"sort"
	"strings"
)

// Operational attributes the replication core reads or writes itself
const (
	AttrEntryUUID   = "entryuuid"
	AttrHistorical  = "ds-sync-hist"
	AttrConflict    = "ds-sync-conflict"
	AttrObjectClass = "objectclass"
)

// AttrKey normalizes an attribute description ("cn;lang-fr;binary") to its
// map key: lower-case name followed by the lower-case options in sorted order.
func AttrKey(desc string) string {
	name, opts := SplitAttrDesc(desc)
	if len(opts) == 0 {
		return name
	}
	return name + ";" + strings.Join(opts, ";")
}

// SplitAttrDesc returns the lower-case attribute name and its sorted options.
func SplitAttrDesc(desc string) (string, []string) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(desc)), ";")
	name := parts[0]
	if len(parts) == 1 {
		return name, nil
	}
	opts := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p != "" {
			opts = append(opts, p)
		}
	}
	sort.Strings(opts)
	return name, opts
}

// AttrName returns the attribute type part of a description.
func AttrName(desc string) string {
	name, _ := SplitAttrDesc(desc)
	return name
}

// Entry represents a directory entry as seen by the replication core
type Entry struct {
	DN         DN
	UUID       string
	Attributes map[string][]string // keyed by AttrKey
}

// NewEntry builds an entry, normalizing attribute keys. RDN values are added
// to their attributes when missing.
func NewEntry(dn DN, uuid string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, UUID: uuid, Attributes: make(map[string][]string, len(attrs))}
	for k, vals := range attrs {
		e.AddValues(k, vals...)
	}
	for _, ava := range dn.RDN() {
		e.AddValues(ava.Type, ava.Value)
	}
	return e
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{
		DN:         append(DN(nil), e.DN...),
		UUID:       e.UUID,
		Attributes: make(map[string][]string, len(e.Attributes)),
	}
	for k, v := range e.Attributes {
		out.Attributes[k] = append([]string(nil), v...)
	}
	return out
}

// Values returns the values of attr, nil when absent.
func (e *Entry) Values(attr string) []string {
	return e.Attributes[AttrKey(attr)]
}

// HasAttribute reports whether attr holds at least one value.
func (e *Entry) HasAttribute(attr string) bool {
	return len(e.Attributes[AttrKey(attr)]) > 0
}

// HasValue reports whether attr holds value. Values compare case-insensitively.
func (e *Entry) HasValue(attr, value string) bool {
	for _, v := range e.Attributes[AttrKey(attr)] {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// AddValues adds values to attr, skipping ones already present.
func (e *Entry) AddValues(attr string, values ...string) {
	key := AttrKey(attr)
	cur := e.Attributes[key]
	for _, v := range values {
		if !containsFold(cur, v) {
			cur = append(cur, v)
		}
	}
	if len(cur) > 0 {
		e.Attributes[key] = cur
	}
}

// RemoveValues removes values from attr; the attribute disappears with its
// last value.
func (e *Entry) RemoveValues(attr string, values ...string) {
	key := AttrKey(attr)
	cur := e.Attributes[key]
	kept := cur[:0:0]
	for _, v := range cur {
		if !containsFold(values, v) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(e.Attributes, key)
		return
	}
	e.Attributes[key] = kept
}

// SetValues replaces all values of attr. An empty list removes the attribute.
func (e *Entry) SetValues(attr string, values ...string) {
	key := AttrKey(attr)
	delete(e.Attributes, key)
	e.AddValues(key, values...)
}

// RemoveAttribute removes attr with all its values.
func (e *Entry) RemoveAttribute(attr string) {
	delete(e.Attributes, AttrKey(attr))
}

// ObjectClasses returns the lower-case object classes of the entry.
func (e *Entry) ObjectClasses() []string {
	vals := e.Attributes[AttrObjectClass]
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strings.ToLower(v)
	}
	return out
}

// ConflictMarker returns the DN recorded in the conflict marker attribute, if any.
func (e *Entry) ConflictMarker() (string, bool) {
	vals := e.Attributes[AttrConflict]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
