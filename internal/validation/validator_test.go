package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

func validAdd() *model.UpdateMsg {
	return &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        csn.CSN{Time: 10, ReplicaID: 1},
		DN:         model.MustParseDN("cn=x,o=1"),
		EntryUUID:  "6f1c0c1e-9a55-4b8e-8f0e-2b1d1b1a2c3d",
		ParentUUID: "BASE",
		Attributes: map[string][]string{"cn": {"x"}, "description;lang-en": {"hello"}},
	}
}

func TestValidateUpdate(t *testing.T) {
	v := NewValidatorWithLimits(8, 2, 2)

	tests := []struct {
		name   string
		mutate func(*model.UpdateMsg) *model.UpdateMsg
		code   replerrors.ErrorCode
	}{
		{"valid add", func(m *model.UpdateMsg) *model.UpdateMsg { return m }, replerrors.ErrCodeOK},
		{"nil", func(*model.UpdateMsg) *model.UpdateMsg { return nil }, replerrors.ErrCodeInvalidArgument},
		{"zero csn", func(m *model.UpdateMsg) *model.UpdateMsg { m.CSN = csn.CSN{}; return m }, replerrors.ErrCodeInvalidCSN},
		{"empty dn", func(m *model.UpdateMsg) *model.UpdateMsg { m.DN = nil; return m }, replerrors.ErrCodeInvalidArgument},
		{"empty uuid", func(m *model.UpdateMsg) *model.UpdateMsg { m.EntryUUID = ""; return m }, replerrors.ErrCodeInvalidArgument},
		{"uuid with comma", func(m *model.UpdateMsg) *model.UpdateMsg { m.EntryUUID = "a,b"; return m }, replerrors.ErrCodeInvalidArgument},
		{"bad parent uuid", func(m *model.UpdateMsg) *model.UpdateMsg { m.ParentUUID = "a b"; return m }, replerrors.ErrCodeInvalidArgument},
		{"bad attribute name", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Attributes["cn x"] = []string{"y"}
			return m
		}, replerrors.ErrCodeInvalidArgument},
		{"value too large", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Attributes["cn"] = []string{strings.Repeat("x", 9)}
			return m
		}, replerrors.ErrCodeInvalidArgument},
		{"too many values", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Attributes["cn"] = []string{"a", "b", "c"}
			return m
		}, replerrors.ErrCodeInvalidArgument},
		{"valid delete", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Kind, m.Attributes = model.OpDelete, nil
			return m
		}, replerrors.ErrCodeOK},
		{"too many mods", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Kind = model.OpModify
			m.Mods = make([]model.Modification, 3)
			return m
		}, replerrors.ErrCodeInvalidArgument},
		{"mod without attribute", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Kind = model.OpModify
			m.Mods = []model.Modification{{Type: model.ModAdd}}
			return m
		}, replerrors.ErrCodeInvalidArgument},
		{"rename without rdn", func(m *model.UpdateMsg) *model.UpdateMsg { m.Kind = model.OpModifyDN; return m }, replerrors.ErrCodeInvalidArgument},
		{"valid rename", func(m *model.UpdateMsg) *model.UpdateMsg {
			m.Kind = model.OpModifyDN
			m.NewRDN = model.RDN{{Type: "cn", Value: "y"}}
			return m
		}, replerrors.ErrCodeOK},
		{"unknown kind", func(m *model.UpdateMsg) *model.UpdateMsg { m.Kind = model.OpKind(42); return m }, replerrors.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateUpdate(tt.mutate(validAdd()))
			if tt.code == replerrors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.code, replerrors.GetCode(err))
		})
	}
}

func TestValidateAttribute_Options(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateAttribute("userCertificate;binary", nil))
	assert.NoError(t, v.ValidateAttribute("2.5.4.3", []string{"x"}))
	assert.Error(t, v.ValidateAttribute(";binary", nil))
	assert.Error(t, v.ValidateAttribute("", nil))
}
