package model

import "github.com/devrev/pairdb/replication/internal/csn"

// OperationContext is attached to a replicated operation for one replay
// attempt. It carries the identity facts pre-operation checks compare
// against the backend.
type OperationContext interface {
	CSN() csn.CSN
	EntryUUID() string
}

// AddContext carries the identity facts of a replicated Add
type AddContext struct {
	ChangeNumber csn.CSN
	UUID         string
	ParentUUID   string
}

func (c AddContext) CSN() csn.CSN      { return c.ChangeNumber }
func (c AddContext) EntryUUID() string { return c.UUID }

// DeleteContext carries the identity facts of a replicated Delete
type DeleteContext struct {
	ChangeNumber csn.CSN
	UUID         string
}

func (c DeleteContext) CSN() csn.CSN      { return c.ChangeNumber }
func (c DeleteContext) EntryUUID() string { return c.UUID }

// ModifyContext carries the identity facts of a replicated Modify
type ModifyContext struct {
	ChangeNumber csn.CSN
	UUID         string
}

func (c ModifyContext) CSN() csn.CSN      { return c.ChangeNumber }
func (c ModifyContext) EntryUUID() string { return c.UUID }

// ModifyDNContext carries the identity facts of a replicated ModifyDN
type ModifyDNContext struct {
	ChangeNumber    csn.CSN
	UUID            string
	NewSuperiorUUID string
}

func (c ModifyDNContext) CSN() csn.CSN      { return c.ChangeNumber }
func (c ModifyDNContext) EntryUUID() string { return c.UUID }

// ContextFor builds the context matching the message kind.
func ContextFor(msg *UpdateMsg) OperationContext {
	switch msg.Kind {
	case OpAdd:
		return AddContext{ChangeNumber: msg.CSN, UUID: msg.EntryUUID, ParentUUID: msg.ParentUUID}
	case OpDelete:
		return DeleteContext{ChangeNumber: msg.CSN, UUID: msg.EntryUUID}
	case OpModifyDN:
		return ModifyDNContext{ChangeNumber: msg.CSN, UUID: msg.EntryUUID, NewSuperiorUUID: msg.NewSuperiorUUID}
	default:
		return ModifyContext{ChangeNumber: msg.CSN, UUID: msg.EntryUUID}
	}
}
