package historical

import (
	"strings"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
)

// unknownSeq marks a time whose position within its operation is not known,
// as for history decoded from an entry.
const unknownSeq = -1

// Single is the history of a single-valued attribute: the current value, the
// time it was added and the time the attribute was last deleted.
//
// lastMod and the seq fields break ties between modifications of one
// operation, which share a CSN.
type Single struct {
	deleteTime csn.CSN
	addTime    csn.CSN
	value      string
	hasValue   bool
	lastMod    Kind
	addSeq     int
	delSeq     int
}

// NewSingle returns an empty history.
func NewSingle() *Single {
	return &Single{addSeq: unknownSeq, delSeq: unknownSeq}
}

func (s *Single) DeleteTime() csn.CSN { return s.deleteTime }
func (s *Single) AddTime() csn.CSN    { return s.addTime }

// Value returns the tracked value.
func (s *Single) Value() (string, bool) { return s.value, s.hasValue }

// LastMod returns the kind of the last change recorded.
func (s *Single) LastMod() Kind { return s.lastMod }

// Values returns the add fact of the current value, if any.
func (s *Single) Values() []ValueFact {
	if s.addTime.IsZero() || !s.hasValue {
		return nil
	}
	return []ValueFact{{Value: s.value, Added: s.addTime}}
}

func (s *Single) setValue(v string, ok bool) {
	s.value, s.hasValue = v, ok
}

func (s *Single) clearValue() {
	s.addTime = csn.CSN{}
	s.value, s.hasValue = "", false
}

func firstValue(mod model.Modification) (string, bool) {
	if len(mod.Values) == 0 {
		return "", false
	}
	return mod.Values[0], true
}

// ProcessNonConflicting records mod as a plain state change.
func (s *Single) ProcessNonConflicting(c csn.CSN, seq int, mod model.Modification) {
	newValue, has := firstValue(mod)

	switch mod.Type {
	case model.ModDelete:
		s.deleteTime = c
		s.clearValue()
		s.lastMod = KindDel
		s.delSeq = seq
	case model.ModAdd:
		s.addTime = c
		s.setValue(newValue, has)
		s.lastMod = KindAdd
		s.addSeq = seq
	case model.ModReplace:
		if !has {
			s.deleteTime = c
			s.clearValue()
			s.lastMod = KindDel
			s.delSeq = seq
			return
		}
		s.addTime, s.deleteTime = c, c
		s.setValue(newValue, true)
		s.lastMod = KindRepl
		s.addSeq, s.delSeq = seq, seq
	}
}

// Replay resolves mod against the recorded state.
func (s *Single) Replay(c csn.CSN, seq int, mod model.Modification, entry *model.Entry) (model.Modification, bool, bool) {
	newValue, has := firstValue(mod)

	switch mod.Type {
	case model.ModDelete:
		switch {
		case c.Newer(s.addTime):
			if has && s.hasValue && !strings.EqualFold(newValue, s.value) {
				return mod, false, true
			}
			s.deleteTime = csn.Max(s.deleteTime, c)
			if !entryHasAttribute(entry, mod.Attr) || (has && !entryHasValue(entry, mod.Attr, newValue)) {
				return mod, false, true
			}
			s.clearValue()
			s.lastMod = KindDel
			s.delSeq = seq
			return mod, true, false

		case c == s.addTime && (s.lastMod == KindAdd || s.lastMod == KindRepl) && (s.addSeq == unknownSeq || seq > s.addSeq):
			// an earlier modification of the same operation set the value
			s.deleteTime = csn.Max(s.deleteTime, c)
			s.clearValue()
			s.lastMod = KindDel
			s.delSeq = seq
			return mod, true, false

		default:
			if c.Older(s.addTime) {
				s.deleteTime = csn.Max(s.deleteTime, c)
			}
			return mod, false, true
		}

	case model.ModAdd:
		switch {
		case c.NewerOrEqual(s.deleteTime) && c.Older(s.addTime):
			// the older add wins; turn it into a replace of the newer value
			s.addTime = c
			s.setValue(newValue, has)
			s.lastMod = KindRepl
			s.addSeq = seq
			out := mod.Clone()
			out.Type = model.ModReplace
			return out, true, true

		case c.NewerOrEqual(s.deleteTime) && (s.addTime.IsZero() || s.addTime.Older(s.deleteTime)):
			s.addTime = c
			s.setValue(newValue, has)
			s.lastMod = KindAdd
			s.addSeq = seq
			return mod, true, false

		case c == s.deleteTime && c == s.addTime && s.lastMod == KindDel && (s.delSeq == unknownSeq || seq > s.delSeq):
			s.setValue(newValue, has)
			s.lastMod = KindRepl
			s.addSeq = seq
			return mod, true, false

		default:
			return mod, false, true
		}

	case model.ModReplace:
		if c.Older(s.deleteTime) {
			return mod, false, true
		}
		if !has {
			s.deleteTime = c
			s.clearValue()
			s.lastMod = KindDel
			s.delSeq = seq
			return mod, true, false
		}
		s.addTime, s.deleteTime = c, c
		s.setValue(newValue, true)
		s.lastMod = KindRepl
		s.addSeq, s.delSeq = seq, seq
		return mod, true, false
	}
	return mod, true, false
}

func (s *Single) assign(kind Kind, value string, hasValue bool, c csn.CSN) {
	switch kind {
	case KindAdd:
		if c.NewerOrEqual(s.addTime) {
			s.addTime = c
			s.setValue(value, hasValue)
		}
	case KindRepl:
		s.deleteTime = csn.Max(s.deleteTime, c)
		if c.NewerOrEqual(s.addTime) {
			s.addTime = c
			s.setValue(value, hasValue)
		}
	case KindDel, KindAttrDel:
		s.deleteTime = csn.Max(s.deleteTime, c)
	}

	switch {
	case s.hasValue && s.addTime == s.deleteTime:
		s.lastMod = KindRepl
	case s.hasValue:
		s.lastMod = KindAdd
	case !s.deleteTime.IsZero():
		s.lastMod = KindDel
	}
	s.addSeq, s.delSeq = unknownSeq, unknownSeq
}
