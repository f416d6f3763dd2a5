package model

import (
	"fmt"
	"strings"
)

// ModType is the kind of change a Modification applies to one attribute
type ModType int

const (
	ModAdd ModType = iota
	ModDelete
	ModReplace
)

func (t ModType) String() string {
	switch t {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return fmt.Sprintf("ModType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ModType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ModType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "add":
		*t = ModAdd
	case "delete":
		*t = ModDelete
	case "replace":
		*t = ModReplace
	default:
		return fmt.Errorf("unknown modification type %q", text)
	}
	return nil
}

// Modification is one attribute change of a Modify operation. A Delete with
// no values removes the whole attribute; a Replace with no values does the
// same.
type Modification struct {
	Type   ModType  `json:"type"`
	Attr   string   `json:"attr"`
	Values []string `json:"values,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Modification) Clone() Modification {
	m.Values = append([]string(nil), m.Values...)
	return m
}

func (m Modification) String() string {
	return fmt.Sprintf("%s %s %v", m.Type, m.Attr, m.Values)
}

// CloneMods deep-copies a modification list.
func CloneMods(mods []Modification) []Modification {
	if mods == nil {
		return nil
	}
	out := make([]Modification, len(mods))
	for i, m := range mods {
		out[i] = m.Clone()
	}
	return out
}

// ApplyMods applies mods to a copy of e with permissive semantics: adding a
// present value or deleting a missing one is not an error.
func ApplyMods(e *Entry, mods []Modification) *Entry {
	out := e.Clone()
	for _, m := range mods {
		switch m.Type {
		case ModAdd:
			out.AddValues(m.Attr, m.Values...)
		case ModDelete:
			if len(m.Values) == 0 {
				out.RemoveAttribute(m.Attr)
			} else {
				out.RemoveValues(m.Attr, m.Values...)
			}
		case ModReplace:
			out.SetValues(m.Attr, m.Values...)
		}
	}
	return out
}
