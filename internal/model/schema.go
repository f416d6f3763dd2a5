package model

import "strings"

// Schema holds the little schema knowledge conflict resolution needs:
// attribute cardinality and mandatory attributes per object class.
type Schema struct {
	singleValued map[string]bool
	mandatory    map[string][]string
}

// NewSchema builds a schema. Names are case-insensitive.
func NewSchema(singleValued []string, mandatory map[string][]string) *Schema {
	s := &Schema{
		singleValued: make(map[string]bool, len(singleValued)),
		mandatory:    make(map[string][]string, len(mandatory)),
	}
	for _, a := range singleValued {
		s.singleValued[strings.ToLower(a)] = true
	}
	for oc, attrs := range mandatory {
		lowered := make([]string, len(attrs))
		for i, a := range attrs {
			lowered[i] = strings.ToLower(a)
		}
		s.mandatory[strings.ToLower(oc)] = lowered
	}
	return s
}

// IsSingleValued reports whether attr may hold at most one value. Options
// are ignored. A nil schema treats every attribute as multi-valued.
func (s *Schema) IsSingleValued(attr string) bool {
	if s == nil {
		return false
	}
	return s.singleValued[AttrName(attr)]
}

// IsMandatory reports whether any of the object classes requires attr.
func (s *Schema) IsMandatory(objectClasses []string, attr string) bool {
	if s == nil {
		return false
	}
	name := AttrName(attr)
	for _, oc := range objectClasses {
		for _, a := range s.mandatory[strings.ToLower(oc)] {
			if a == name {
				return true
			}
		}
	}
	return false
}

// MissingMandatory returns the mandatory attributes e lacks.
func (s *Schema) MissingMandatory(e *Entry) []string {
	if s == nil {
		return nil
	}
	var missing []string
	seen := make(map[string]bool)
	for _, oc := range e.ObjectClasses() {
		for _, a := range s.mandatory[oc] {
			if seen[a] {
				continue
			}
			seen[a] = true
			if !e.HasAttribute(a) {
				missing = append(missing, a)
			}
		}
	}
	return missing
}
