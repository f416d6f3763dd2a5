package model

import (
	"fmt"
	"sort"
	"strings"
)

// AVA is one attribute=value assertion of an RDN. Type is kept lower-case.
type AVA struct {
	Type  string
	Value string
}

// RDN is a relative distinguished name. Multi-valued RDNs hold more than one
// AVA (cn=x+sn=y).
type RDN []AVA

// DN is a distinguished name, most specific RDN first. The empty DN is the
// root.
type DN []RDN

// ParseDN parses the string form of a DN. Backslash escapes, including the
// two-hex-digit form, are honoured; quoted values are not supported.
func ParseDN(s string) (DN, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DN{}, nil
	}

	var (
		dn  DN
		rdn RDN
		pos int
	)
	for {
		typ, next, err := parseAttrType(s, pos)
		if err != nil {
			return nil, err
		}
		val, next, err := parseAttrValue(s, next)
		if err != nil {
			return nil, err
		}
		rdn = append(rdn, AVA{Type: typ, Value: val})
		pos = next

		if pos >= len(s) {
			dn = append(dn, rdn)
			return dn, nil
		}
		switch s[pos] {
		case '+':
			pos++
		case ',', ';':
			dn = append(dn, rdn)
			rdn = nil
			pos++
		default:
			return nil, fmt.Errorf("invalid dn %q: unexpected %q at %d", s, s[pos], pos)
		}
	}
}

// MustParseDN is ParseDN for constants; it panics on malformed input.
func MustParseDN(s string) DN {
	dn, err := ParseDN(s)
	if err != nil {
		panic(err)
	}
	return dn
}

// ParseRDN parses a single RDN such as "cn=x" or "entryuuid=1+cn=x".
func ParseRDN(s string) (RDN, error) {
	dn, err := ParseDN(s)
	if err != nil {
		return nil, err
	}
	if len(dn) != 1 {
		return nil, fmt.Errorf("invalid rdn %q: expected exactly one component", s)
	}
	return dn[0], nil
}

func parseAttrType(s string, pos int) (string, int, error) {
	for pos < len(s) && s[pos] == ' ' {
		pos++
	}
	start := pos
	for pos < len(s) && s[pos] != '=' {
		switch s[pos] {
		case ',', '+', ';':
			return "", pos, fmt.Errorf("invalid dn %q: missing '=' at %d", s, pos)
		}
		pos++
	}
	if pos >= len(s) {
		return "", pos, fmt.Errorf("invalid dn %q: missing '='", s)
	}
	typ := strings.ToLower(strings.TrimSpace(s[start:pos]))
	if typ == "" {
		return "", pos, fmt.Errorf("invalid dn %q: empty attribute type at %d", s, start)
	}
	return typ, pos + 1, nil
}

func parseAttrValue(s string, pos int) (string, int, error) {
	for pos < len(s) && s[pos] == ' ' {
		pos++
	}

	var (
		b       strings.Builder
		keepLen int // length of b up to the last escaped or non-space byte
	)
	for pos < len(s) {
		c := s[pos]
		switch {
		case c == ',' || c == '+' || c == ';':
			return b.String()[:keepLen], pos, nil
		case c == '\\':
			if pos+1 >= len(s) {
				return "", pos, fmt.Errorf("invalid dn %q: dangling escape", s)
			}
			if pos+2 < len(s) && isHex(s[pos+1]) && isHex(s[pos+2]) {
				b.WriteByte(unhex(s[pos+1])<<4 | unhex(s[pos+2]))
				pos += 3
			} else {
				b.WriteByte(s[pos+1])
				pos += 2
			}
			keepLen = b.Len()
		default:
			b.WriteByte(c)
			if c != ' ' {
				keepLen = b.Len()
			}
			pos++
		}
	}
	return b.String()[:keepLen], pos, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func escapeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case strings.IndexByte(",+\"\\<>;=", c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case i == 0 && (c == ' ' || c == '#'):
			b.WriteByte('\\')
			b.WriteByte(c)
		case i == len(v)-1 && c == ' ':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// String returns the RDN in its display form, AVAs in their original order.
func (r RDN) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = a.Type + "=" + escapeValue(a.Value)
	}
	return strings.Join(parts, "+")
}

// Normalized returns the comparison form: lower-case values, AVAs sorted.
func (r RDN) Normalized() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = a.Type + "=" + escapeValue(strings.ToLower(a.Value))
	}
	sort.Strings(parts)
	return strings.Join(parts, "+")
}

// Equal compares two RDNs ignoring case and AVA order.
func (r RDN) Equal(o RDN) bool {
	return r.Normalized() == o.Normalized()
}

// HasType reports whether the RDN contains an AVA of the given attribute type.
func (r RDN) HasType(attr string) bool {
	attr = strings.ToLower(attr)
	for _, a := range r {
		if a.Type == attr {
			return true
		}
	}
	return false
}

// Values returns the values the RDN asserts for attr.
func (r RDN) Values(attr string) []string {
	attr = strings.ToLower(attr)
	var out []string
	for _, a := range r {
		if a.Type == attr {
			out = append(out, a.Value)
		}
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (r RDN) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RDN) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = nil
		return nil
	}
	parsed, err := ParseRDN(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// String returns the DN in its display form.
func (d DN) String() string {
	parts := make([]string, len(d))
	for i, r := range d {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Normalized returns the form used for equality and as a map key.
func (d DN) Normalized() string {
	parts := make([]string, len(d))
	for i, r := range d {
		parts[i] = r.Normalized()
	}
	return strings.Join(parts, ",")
}

// IsRoot reports whether d is the empty DN.
func (d DN) IsRoot() bool {
	return len(d) == 0
}

// Equal compares two DNs by normalized form.
func (d DN) Equal(o DN) bool {
	if len(d) != len(o) {
		return false
	}
	return d.Normalized() == o.Normalized()
}

// RDN returns the most specific component, or nil for the root DN.
func (d DN) RDN() RDN {
	if len(d) == 0 {
		return nil
	}
	return d[0]
}

// Parent returns the DN with the first RDN removed. The parent of the root
// is nil.
func (d DN) Parent() DN {
	if len(d) == 0 {
		return nil
	}
	return d[1:]
}

// Child returns the DN of rdn placed directly below d.
func (d DN) Child(rdn RDN) DN {
	out := make(DN, 0, len(d)+1)
	out = append(out, rdn)
	return append(out, d...)
}

// IsSuperiorOrEqual reports whether d is o or one of its ancestors.
func (d DN) IsSuperiorOrEqual(o DN) bool {
	if len(d) > len(o) {
		return false
	}
	return d.Equal(o[len(o)-len(d):])
}

// IsSubordinateOrEqual reports whether d is o or lies below it.
func (d DN) IsSubordinateOrEqual(o DN) bool {
	return o.IsSuperiorOrEqual(d)
}

// IsParentOf reports whether d is the immediate parent of o.
func (d DN) IsParentOf(o DN) bool {
	return len(o) == len(d)+1 && d.Equal(o.Parent())
}

// MarshalText implements encoding.TextMarshaler.
func (d DN) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DN) UnmarshalText(text []byte) error {
	parsed, err := ParseDN(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
