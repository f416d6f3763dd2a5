// Package historical keeps the per-attribute change history stored with each
// entry and uses it to resolve concurrent Modify operations.
package historical

import (
	"strings"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Kind tags one persisted historical fact
type Kind string

const (
	KindAdd     Kind = "add"
	KindDel     Kind = "del"
	KindRepl    Kind = "repl"
	KindAttrDel Kind = "attrDel"
	KindModDN   Kind = "moddn"
)

// ValueFact is the latest known fact about one attribute value. Exactly one
// of Added and Deleted is set.
type ValueFact struct {
	Value   string
	Added   csn.CSN
	Deleted csn.CSN
}

// IsAdd reports whether the fact records an add.
func (f ValueFact) IsAdd() bool {
	return !f.Added.IsZero()
}

// Time returns the CSN of the fact.
func (f ValueFact) Time() csn.CSN {
	if f.IsAdd() {
		return f.Added
	}
	return f.Deleted
}

// Attribute is the history of one attribute description.
//
// Replay resolves a replicated modification against the history and the
// entry as it is before the operation. seq is the position of mod within its
// operation; every modification of one operation shares the same CSN. The
// returned modification replaces mod; keep is false when it must be dropped.
type Attribute interface {
	Replay(c csn.CSN, seq int, mod model.Modification, entry *model.Entry) (out model.Modification, keep bool, conflict bool)
	// ProcessNonConflicting records mod when the caller knows it cannot
	// conflict, as for local changes.
	ProcessNonConflicting(c csn.CSN, seq int, mod model.Modification)
	Values() []ValueFact
	DeleteTime() csn.CSN

	assign(kind Kind, value string, hasValue bool, c csn.CSN)
}

func valueKey(v string) string {
	return strings.ToLower(v)
}

func entryHasAttribute(e *model.Entry, attr string) bool {
	return e != nil && e.HasAttribute(attr)
}

func entryHasValue(e *model.Entry, attr, value string) bool {
	return e != nil && e.HasValue(attr, value)
}
