package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const (
	// Size limits
	MaxEntryUUIDSize = 128
	MaxAttrNameSize  = 256
	MaxValueSize     = 1024 * 1024 // 1 MB
	MaxValuesPerAttr = 10000
	MaxModifications = 1000
)

// Validator checks updates received from peers before they are replayed
type Validator struct {
	maxValueSize     int
	maxValuesPerAttr int
	maxMods          int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxValueSize, MaxValuesPerAttr, MaxModifications)
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxValueSize, maxValuesPerAttr, maxMods int) *Validator {
	return &Validator{
		maxValueSize:     maxValueSize,
		maxValuesPerAttr: maxValuesPerAttr,
		maxMods:          maxMods,
	}
}

// ValidateUpdate validates a replicated update
func (v *Validator) ValidateUpdate(msg *model.UpdateMsg) error {
	if msg == nil {
		return errors.InvalidArgument("update is missing", nil)
	}
	if msg.CSN.IsZero() {
		return errors.InvalidCSN(msg.CSN.String(), nil)
	}
	if len(msg.DN) == 0 {
		return errors.InvalidArgument("update has an empty DN", nil)
	}
	if err := v.ValidateEntryUUID(msg.EntryUUID); err != nil {
		return err
	}

	switch msg.Kind {
	case model.OpAdd:
		if msg.ParentUUID != "" {
			if err := v.ValidateEntryUUID(msg.ParentUUID); err != nil {
				return err
			}
		}
		for attr, values := range msg.Attributes {
			if err := v.ValidateAttribute(attr, values); err != nil {
				return err
			}
		}

	case model.OpDelete:

	case model.OpModify:
		if len(msg.Mods) > v.maxMods {
			return errors.InvalidArgument(
				fmt.Sprintf("modify has too many modifications: %d > %d", len(msg.Mods), v.maxMods), nil)
		}
		for _, mod := range msg.Mods {
			if err := v.ValidateAttribute(mod.Attr, mod.Values); err != nil {
				return err
			}
		}

	case model.OpModifyDN:
		if len(msg.NewRDN) == 0 {
			return errors.InvalidArgument("rename has an empty new RDN", nil)
		}
		if msg.NewSuperiorUUID != "" {
			if err := v.ValidateEntryUUID(msg.NewSuperiorUUID); err != nil {
				return err
			}
		}

	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown operation kind %v", msg.Kind), nil)
	}

	return nil
}

// ValidateEntryUUID validates an entry unique identifier
func (v *Validator) ValidateEntryUUID(id string) error {
	if id == "" {
		return errors.InvalidArgument("entry uuid cannot be empty", nil)
	}
	if len(id) > MaxEntryUUIDSize {
		return errors.InvalidArgument(
			fmt.Sprintf("entry uuid exceeds maximum size of %d bytes", MaxEntryUUIDSize), nil)
	}
	// entry uuids end up inside conflict RDNs
	if strings.ContainsAny(id, ",+=\\\"<>;") {
		return errors.InvalidArgument(fmt.Sprintf("entry uuid %q contains DN special characters", id), nil)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.InvalidArgument(fmt.Sprintf("entry uuid %q contains control or space characters", id), nil)
		}
	}
	return nil
}

// ValidateAttribute validates an attribute description and its values
func (v *Validator) ValidateAttribute(desc string, values []string) error {
	if desc == "" {
		return errors.InvalidArgument("attribute name cannot be empty", nil)
	}
	if len(desc) > MaxAttrNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("attribute name exceeds maximum size of %d bytes", MaxAttrNameSize), nil)
	}
	// letters, digits, hyphens, and ';' before options
	for i, r := range desc {
		ok := r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == ';' || r == '.')
		if !ok || (i == 0 && r == ';') {
			return errors.InvalidArgument(fmt.Sprintf("invalid attribute name %q", desc), nil)
		}
	}

	if len(values) > v.maxValuesPerAttr {
		return errors.InvalidArgument(
			fmt.Sprintf("attribute %s has too many values: %d > %d", desc, len(values), v.maxValuesPerAttr), nil)
	}
	for _, value := range values {
		if len(value) > v.maxValueSize {
			return errors.InvalidArgument(
				fmt.Sprintf("value of %s exceeds maximum size of %d bytes", desc, v.maxValueSize), nil)
		}
	}
	return nil
}
