package historical

import (
	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Multiple is the history of a multi-valued attribute: one fact per value
// plus the time of the last whole-attribute delete.
type Multiple struct {
	deleteTime     csn.CSN
	lastUpdateTime csn.CSN
	facts          map[string]ValueFact
	order          []string
}

// NewMultiple returns an empty history.
func NewMultiple() *Multiple {
	return &Multiple{facts: make(map[string]ValueFact)}
}

// DeleteTime returns the CSN of the newest whole-attribute delete.
func (m *Multiple) DeleteTime() csn.CSN { return m.deleteTime }

// LastUpdateTime returns the CSN of the newest change recorded.
func (m *Multiple) LastUpdateTime() csn.CSN { return m.lastUpdateTime }

// Values returns the value facts in insertion order.
func (m *Multiple) Values() []ValueFact {
	out := make([]ValueFact, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.facts[k])
	}
	return out
}

// Fact returns the fact recorded for value.
func (m *Multiple) Fact(value string) (ValueFact, bool) {
	f, ok := m.facts[valueKey(value)]
	return f, ok
}

func (m *Multiple) put(f ValueFact) {
	key := valueKey(f.Value)
	m.remove(key)
	m.facts[key] = f
	m.order = append(m.order, key)
}

func (m *Multiple) remove(key string) {
	if _, ok := m.facts[key]; !ok {
		return
	}
	delete(m.facts, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Multiple) touch(c csn.CSN) {
	m.lastUpdateTime = csn.Max(m.lastUpdateTime, c)
}

// deleteAll drops every fact not newer than c and records c as a
// whole-attribute delete.
func (m *Multiple) deleteAll(c csn.CSN) {
	for _, key := range append([]string(nil), m.order...) {
		f := m.facts[key]
		if c.NewerOrEqual(f.Added) && c.NewerOrEqual(f.Deleted) {
			m.remove(key)
		}
	}
	m.deleteTime = csn.Max(m.deleteTime, c)
	m.touch(c)
}

func (m *Multiple) deleteValue(v string, c csn.CSN) {
	m.put(ValueFact{Value: v, Deleted: c})
	m.touch(c)
}

func (m *Multiple) addValue(v string, c csn.CSN) {
	m.put(ValueFact{Value: v, Added: c})
	m.touch(c)
}

// ProcessNonConflicting records mod as a plain state change.
func (m *Multiple) ProcessNonConflicting(c csn.CSN, _ int, mod model.Modification) {
	switch mod.Type {
	case model.ModDelete:
		if len(mod.Values) == 0 {
			m.deleteAll(c)
			return
		}
		for _, v := range mod.Values {
			m.deleteValue(v, c)
		}
	case model.ModAdd:
		for _, v := range mod.Values {
			m.addValue(v, c)
		}
	case model.ModReplace:
		m.deleteAll(c)
		for _, v := range mod.Values {
			m.addValue(v, c)
		}
	}
}

// Replay resolves mod against the recorded facts.
func (m *Multiple) Replay(c csn.CSN, seq int, mod model.Modification, entry *model.Entry) (model.Modification, bool, bool) {
	if c.NewerOrEqual(m.lastUpdateTime) && mod.Type == model.ModReplace {
		m.ProcessNonConflicting(c, seq, mod)
		return mod, true, false
	}

	stale := c.Older(m.lastUpdateTime)

	switch mod.Type {
	case model.ModDelete:
		if c.Older(m.deleteTime) {
			return mod, false, true
		}
		out, keep := m.conflictDelete(c, mod, entry)
		if !keep {
			return out, false, true
		}
		changed := len(out.Values) != len(mod.Values)
		if len(mod.Values) == 0 {
			changed = len(out.Values) > 0
		}
		return out, true, stale || changed

	case model.ModAdd:
		out, keep := m.conflictAdd(c, mod)
		if !keep {
			return out, false, true
		}
		return out, true, stale || len(out.Values) != len(mod.Values)

	case model.ModReplace:
		if c.Older(m.deleteTime) {
			return mod, false, true
		}
		kept, _ := m.conflictDelete(c, model.Modification{Type: model.ModDelete, Attr: mod.Attr}, entry)
		added, _ := m.conflictAdd(c, mod)
		values := append([]string(nil), kept.Values...)
		for _, v := range added.Values {
			if !containsKey(values, v) {
				values = append(values, v)
			}
		}
		return model.Modification{Type: model.ModReplace, Attr: mod.Attr, Values: values}, true, true
	}
	return mod, true, false
}

// conflictDelete rewrites a delete that may race with newer changes. A
// whole-attribute delete becomes a Replace keeping the values added after c.
// A value delete keeps only values that are present and not re-added later.
func (m *Multiple) conflictDelete(c csn.CSN, mod model.Modification, entry *model.Entry) (model.Modification, bool) {
	if len(mod.Values) == 0 {
		var kept []string
		for _, key := range append([]string(nil), m.order...) {
			f := m.facts[key]
			if c.Older(f.Added) {
				kept = append(kept, f.Value)
			} else if c.NewerOrEqual(f.Deleted) {
				m.remove(key)
			}
		}
		m.deleteTime = csn.Max(m.deleteTime, c)
		m.touch(c)
		return model.Modification{Type: model.ModReplace, Attr: mod.Attr, Values: kept}, true
	}

	var kept []string
	for _, v := range mod.Values {
		deleteIt := true
		addedInCurrentOp := false

		if old, ok := m.facts[valueKey(v)]; ok {
			if c == old.Added {
				addedInCurrentOp = true
			}
			if c.NewerOrEqual(old.Deleted) && c.NewerOrEqual(old.Added) {
				m.put(ValueFact{Value: v, Deleted: c})
			} else if old.IsAdd() {
				deleteIt = false
			}
		} else {
			m.put(ValueFact{Value: v, Deleted: c})
		}

		if deleteIt && (addedInCurrentOp || entryHasValue(entry, mod.Attr, v)) {
			kept = append(kept, v)
		}
	}
	m.touch(c)
	if len(kept) == 0 {
		return mod, false
	}
	return model.Modification{Type: model.ModDelete, Attr: mod.Attr, Values: kept}, true
}

// conflictAdd keeps the values of an add that no newer fact supersedes.
func (m *Multiple) conflictAdd(c csn.CSN, mod model.Modification) (model.Modification, bool) {
	if c.Older(m.deleteTime) {
		return mod, false
	}

	var kept []string
	for _, v := range mod.Values {
		old, ok := m.facts[valueKey(v)]
		switch {
		case !ok:
			m.put(ValueFact{Value: v, Added: c})
			kept = append(kept, v)
		case old.IsAdd():
			// already present; only the fact moves forward
			if c.Newer(old.Added) {
				m.put(ValueFact{Value: v, Added: c})
			}
		case c.NewerOrEqual(old.Deleted):
			m.put(ValueFact{Value: v, Added: c})
			kept = append(kept, v)
		}
	}
	m.touch(c)
	if len(kept) == 0 {
		return mod, false
	}
	return model.Modification{Type: model.ModAdd, Attr: mod.Attr, Values: kept}, true
}

func (m *Multiple) assign(kind Kind, value string, hasValue bool, c csn.CSN) {
	switch kind {
	case KindAdd:
		if hasValue {
			m.put(ValueFact{Value: value, Added: c})
		}
	case KindDel:
		if hasValue {
			m.put(ValueFact{Value: value, Deleted: c})
		}
	case KindRepl:
		m.deleteTime = csn.Max(m.deleteTime, c)
		if hasValue {
			m.put(ValueFact{Value: value, Added: c})
		}
	case KindAttrDel:
		m.deleteTime = csn.Max(m.deleteTime, c)
	}
	m.touch(c)
}

func containsKey(list []string, v string) bool {
	key := valueKey(v)
	for _, s := range list {
		if valueKey(s) == key {
			return true
		}
	}
	return false
}
