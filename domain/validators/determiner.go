// Package validators decides which data constraints a branch change must
// satisfy and checks them against the post-change state.
package validators

import (
	"sort"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/schema"
)

// Name is a validator kind.
type Name string

const (
	AttributeUniqueUpdate      Name = "attribute.unique.update"
	AttributeOptionalUpdate    Name = "attribute.optional.update"
	AttributeRegexUpdate       Name = "attribute.regex.update"
	AttributeEnumUpdate        Name = "attribute.enum.update"
	AttributeKindUpdate        Name = "attribute.kind.update"
	RelationshipOptionalUpdate Name = "relationship.optional.update"
	RelationshipCountUpdate    Name = "relationship.count.update"
	RelationshipPeerUpdate     Name = "relationship.peer.update"
	NodeInheritFromUpdate      Name = "node.inherit_from.update"
)

const fieldTypeNode = "node"

// Path is the schema element a constraint applies to. FieldType is
// "attribute", "relationship" or "node".
type Path struct {
	Kind      string `json:"kind"`
	FieldType string `json:"field_type"`
	Field     string `json:"field,omitempty"`
}

func (p Path) String() string {
	if p.Field == "" {
		return p.Kind
	}
	return p.Kind + "." + p.Field
}

// Constraint is one validation that must pass before a change may commit.
type Constraint struct {
	Path Path `json:"path"`
	Name Name `json:"name"`
}

// Determiner selects constraints from changed data and schema changes,
// evaluated against a candidate schema.
type Determiner struct {
	candidate *schema.Processed
}

// NewDeterminer creates a determiner for candidate.
func NewDeterminer(candidate *schema.Processed) *Determiner {
	return &Determiner{candidate: candidate}
}

// GetConstraints returns the deduplicated constraints implied by the changed
// fields in summaries and by schemaDiff, which may be nil.
func (d *Determiner) GetConstraints(summaries []diff.NodeFieldSummary, schemaDiff *schema.Diff) []Constraint {
	set := make(map[Constraint]struct{})
	add := func(kind, fieldType, field string, name Name) {
		set[Constraint{Path: Path{Kind: kind, FieldType: fieldType, Field: field}, Name: name}] = struct{}{}
	}

	for _, s := range summaries {
		def, err := d.candidate.GetNode(s.Kind)
		if err != nil || s.Action == diff.ActionRemoved {
			continue
		}
		attrs, rels := s.Attributes, s.Relationships
		if s.Action == diff.ActionAdded {
			attrs, rels = attributeNames(def), relationshipNames(def)
		}
		for _, name := range attrs {
			if a := def.Attribute(name); a != nil {
				for _, c := range attributeConstraints(a) {
					add(s.Kind, string(schema.FieldAttribute), name, c)
				}
			}
		}
		for _, name := range rels {
			if r := def.Relationship(name); r != nil {
				for _, c := range relationshipConstraints(r) {
					add(s.Kind, string(schema.FieldRelationship), name, c)
				}
			}
		}
	}

	if schemaDiff != nil {
		for _, kd := range schemaDiff.Kinds {
			d.schemaConstraints(kd, add)
		}
	}

	out := make([]Constraint, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path.String() < out[j].Path.String()
	})
	return out
}

func (d *Determiner) schemaConstraints(kd *schema.KindDiff, add func(kind, fieldType, field string, name Name)) {
	if kd.Action == schema.ActionRemoved {
		return
	}
	def, err := d.candidate.Get(kd.Kind)
	if err != nil {
		return
	}
	if kd.HasProperty("inherit_from") {
		add(kd.Kind, fieldTypeNode, "", NodeInheritFromUpdate)
	}

	for _, f := range kd.Fields {
		if f.Action == schema.ActionRemoved {
			continue
		}
		switch f.FieldType {
		case schema.FieldAttribute:
			a := def.Attribute(f.Name)
			if a == nil {
				continue
			}
			if f.Action == schema.ActionAdded {
				if !a.Optional && a.DefaultValue == nil && a.Computed == nil {
					add(kd.Kind, string(f.FieldType), f.Name, AttributeOptionalUpdate)
				}
				continue
			}
			for prop, name := range map[string]Name{
				"unique": AttributeUniqueUpdate, "optional": AttributeOptionalUpdate,
				"regex": AttributeRegexUpdate, "enum": AttributeEnumUpdate, "kind": AttributeKindUpdate,
			} {
				if f.HasProperty(prop) && tightened(a, name) {
					add(kd.Kind, string(f.FieldType), f.Name, name)
				}
			}
		case schema.FieldRelationship:
			r := def.Relationship(f.Name)
			if r == nil {
				continue
			}
			if f.Action == schema.ActionAdded {
				if !r.Optional {
					add(kd.Kind, string(f.FieldType), f.Name, RelationshipOptionalUpdate)
				}
				continue
			}
			if f.HasProperty("optional") && !r.Optional {
				add(kd.Kind, string(f.FieldType), f.Name, RelationshipOptionalUpdate)
			}
			if f.HasProperty("min_count") || f.HasProperty("max_count") || f.HasProperty("cardinality") {
				add(kd.Kind, string(f.FieldType), f.Name, RelationshipCountUpdate)
			}
			if f.HasProperty("peer") {
				add(kd.Kind, string(f.FieldType), f.Name, RelationshipPeerUpdate)
			}
		}
	}
}

// tightened reports whether the new attribute definition can reject data
// the old one accepted for validator name.
func tightened(a *schema.AttributeSchema, name Name) bool {
	switch name {
	case AttributeUniqueUpdate:
		return a.Unique
	case AttributeOptionalUpdate:
		return !a.Optional
	case AttributeRegexUpdate:
		return a.Regex != ""
	case AttributeEnumUpdate:
		return len(a.Enum) > 0
	default:
		return true
	}
}

func attributeConstraints(a *schema.AttributeSchema) []Name {
	var out []Name
	if a.Unique {
		out = append(out, AttributeUniqueUpdate)
	}
	if !a.Optional && a.Computed == nil {
		out = append(out, AttributeOptionalUpdate)
	}
	if a.Regex != "" {
		out = append(out, AttributeRegexUpdate)
	}
	if len(a.Enum) > 0 {
		out = append(out, AttributeEnumUpdate)
	}
	return out
}

func relationshipConstraints(r *schema.RelationshipSchema) []Name {
	var out []Name
	if !r.Optional {
		out = append(out, RelationshipOptionalUpdate)
	}
	if r.MinCount > 0 || r.MaxCount > 0 {
		out = append(out, RelationshipCountUpdate)
	}
	return out
}

func attributeNames(def *schema.Definition) []string {
	out := make([]string, 0, len(def.Attributes))
	for _, a := range def.Attributes {
		out = append(out, a.Name)
	}
	return out
}

func relationshipNames(def *schema.Definition) []string {
	out := make([]string, 0, len(def.Relationships))
	for _, r := range def.Relationships {
		out = append(out, r.Name)
	}
	return out
}
