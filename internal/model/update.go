package model

import (
	"fmt"
	"strings"

	"github.com/devrev/pairdb/replication/internal/csn"
)

// OpKind identifies the directory operation an UpdateMsg carries
type OpKind int

const (
	OpAdd OpKind = iota
	OpDelete
	OpModify
	OpModifyDN
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpModifyDN:
		return "moddn"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OpKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "add":
		*k = OpAdd
	case "delete":
		*k = OpDelete
	case "modify":
		*k = OpModify
	case "moddn":
		*k = OpModifyDN
	default:
		return fmt.Errorf("unknown operation kind %q", text)
	}
	return nil
}

// UpdateMsg is one replicated change as exchanged between replicas.
//
// Fields outside the operation kind are left zero: Attributes and ParentUUID
// only for Add, Mods only for Modify, the NewXxx fields only for ModifyDN.
type UpdateMsg struct {
	Kind      OpKind  `json:"kind"`
	CSN       csn.CSN `json:"csn"`
	DN        DN      `json:"dn"`
	EntryUUID string  `json:"entry_uuid"`

	ParentUUID string              `json:"parent_uuid,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`

	Mods []Modification `json:"mods,omitempty"`

	NewRDN          RDN    `json:"new_rdn,omitempty"`
	DeleteOldRDN    bool   `json:"delete_old_rdn,omitempty"`
	NewSuperior     DN     `json:"new_superior,omitempty"`
	NewSuperiorUUID string `json:"new_superior_uuid,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *UpdateMsg) Clone() *UpdateMsg {
	out := *m
	out.DN = append(DN(nil), m.DN...)
	if m.Attributes != nil {
		out.Attributes = make(map[string][]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = append([]string(nil), v...)
		}
	}
	out.Mods = CloneMods(m.Mods)
	out.NewRDN = append(RDN(nil), m.NewRDN...)
	if m.NewSuperior != nil {
		out.NewSuperior = append(DN(nil), m.NewSuperior...)
	}
	return &out
}

// NewDN returns the DN a ModifyDN moves the entry to. For other kinds it is
// the target DN.
func (m *UpdateMsg) NewDN() DN {
	if m.Kind != OpModifyDN {
		return m.DN
	}
	parent := m.NewSuperior
	if parent == nil {
		parent = m.DN.Parent()
	}
	return parent.Child(m.NewRDN)
}

// NewParent returns the parent of NewDN.
func (m *UpdateMsg) NewParent() DN {
	return m.NewDN().Parent()
}

// Entry builds the entry an Add creates.
func (m *UpdateMsg) Entry() *Entry {
	return NewEntry(m.DN, m.EntryUUID, m.Attributes)
}

func (m *UpdateMsg) String() string {
	return fmt.Sprintf("%s %s dn=%q uuid=%s", m.Kind, m.CSN, m.DN.String(), m.EntryUUID)
}
