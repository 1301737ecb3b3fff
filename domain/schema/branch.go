// Package schema holds the per-branch type system: definitions, the mutable
// SchemaBranch, its processed (queryable) form, hashing, structural diffs and
// the migrations derived from them.
package schema

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// SchemaBranch maps kinds to definitions for one branch. It is mutable while
// being assembled; Process turns it into an immutable *Processed which is the
// only form other packages query.
type SchemaBranch struct {
	name string
	defs map[string]*Definition
}

// NewSchemaBranch creates an empty schema for branch name.
func NewSchemaBranch(name string) *SchemaBranch {
	return &SchemaBranch{name: name, defs: make(map[string]*Definition)}
}

// Name returns the owning branch name.
func (s *SchemaBranch) Name() string { return s.name }

// Set stores a copy of def, assigning element ids where missing.
func (s *SchemaBranch) Set(def *Definition) {
	c := def.Clone()
	assignIDs(c)
	s.defs[c.Kind()] = c
}

// Load sets every definition.
func (s *SchemaBranch) Load(defs ...*Definition) {
	for _, d := range defs {
		s.Set(d)
	}
}

// Delete removes kind.
func (s *SchemaBranch) Delete(kind string) {
	delete(s.defs, kind)
}

// Has reports whether kind is defined.
func (s *SchemaBranch) Has(kind string) bool {
	_, ok := s.defs[kind]
	return ok
}

// Get returns a copy of the definition for kind.
func (s *SchemaBranch) Get(kind string) (*Definition, error) {
	d, ok := s.defs[kind]
	if !ok {
		return nil, apperror.NewNotFound("schema kind", kind)
	}
	return d.Clone(), nil
}

// Kinds returns the defined kinds in sorted order.
func (s *SchemaBranch) Kinds() []string {
	kinds := make([]string, 0, len(s.defs))
	for k := range s.defs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Definitions returns copies of all definitions sorted by kind.
func (s *SchemaBranch) Definitions() []*Definition {
	out := make([]*Definition, 0, len(s.defs))
	for _, k := range s.Kinds() {
		out = append(out, s.defs[k].Clone())
	}
	return out
}

// Len returns the number of definitions.
func (s *SchemaBranch) Len() int { return len(s.defs) }

// Duplicate returns a deep, independent copy. An empty name keeps the
// current branch name.
func (s *SchemaBranch) Duplicate(name string) *SchemaBranch {
	if name == "" {
		name = s.name
	}
	dup := NewSchemaBranch(name)
	for k, d := range s.defs {
		dup.defs[k] = d.Clone()
	}
	return dup
}

// Apply replaces or removes the kinds listed in diff with their state in
// source. It is used to fold one branch's schema changes into another.
func (s *SchemaBranch) Apply(diff *Diff, source *SchemaBranch) error {
	for _, kd := range diff.Kinds {
		switch kd.Action {
		case ActionRemoved:
			s.Delete(kd.Kind)
		default:
			d, ok := source.defs[kd.Kind]
			if !ok {
				return fmt.Errorf("apply schema diff: kind %s missing from source", kd.Kind)
			}
			s.defs[kd.Kind] = d.Clone()
		}
	}
	return nil
}

func assignIDs(d *Definition) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	for _, a := range d.Attributes {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
	}
	for _, r := range d.Relationships {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
	}
}
