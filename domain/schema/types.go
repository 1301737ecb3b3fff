package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Category distinguishes concrete node types from generics (interfaces) and
// profiles.
type Category string

const (
	CategoryNode    Category = "node"
	CategoryGeneric Category = "generic"
	CategoryProfile Category = "profile"
)

// AttributeKind is the scalar kind of an attribute value.
type AttributeKind string

const (
	KindText      AttributeKind = "Text"
	KindNumber    AttributeKind = "Number"
	KindBoolean   AttributeKind = "Boolean"
	KindDateTime  AttributeKind = "DateTime"
	KindJSON      AttributeKind = "JSON"
	KindList      AttributeKind = "List"
	KindIPHost    AttributeKind = "IPHost"
	KindIPNetwork AttributeKind = "IPNetwork"
)

var validKinds = map[AttributeKind]bool{
	KindText: true, KindNumber: true, KindBoolean: true, KindDateTime: true,
	KindJSON: true, KindList: true, KindIPHost: true, KindIPNetwork: true,
}

// Valid reports whether k is a known attribute kind.
func (k AttributeKind) Valid() bool { return validKinds[k] }

// Cardinality of a relationship.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// FieldType distinguishes attributes from relationships.
type FieldType string

const (
	FieldAttribute    FieldType = "attribute"
	FieldRelationship FieldType = "relationship"
)

// ComputedKind selects how a computed attribute is produced.
type ComputedKind string

const (
	ComputedJinja2    ComputedKind = "jinja2"
	ComputedTransform ComputedKind = "transform"
)

// ComputedAttribute describes how an attribute's value is derived.
type ComputedAttribute struct {
	Kind      ComputedKind `json:"kind" yaml:"kind"`
	Template  string       `json:"template,omitempty" yaml:"template,omitempty"`
	Transform string       `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// AttributeSchema defines one attribute of a kind.
type AttributeSchema struct {
	ID           string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string             `json:"name" yaml:"name"`
	Kind         AttributeKind      `json:"kind" yaml:"kind"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Optional     bool               `json:"optional,omitempty" yaml:"optional,omitempty"`
	ReadOnly     bool               `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Unique       bool               `json:"unique,omitempty" yaml:"unique,omitempty"`
	DefaultValue any                `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Regex        string             `json:"regex,omitempty" yaml:"regex,omitempty"`
	Enum         []string           `json:"enum,omitempty" yaml:"enum,omitempty"`
	Computed     *ComputedAttribute `json:"computed,omitempty" yaml:"computed,omitempty"`

	// Inherited is set by Process on attributes copied from a generic.
	Inherited string `json:"-" yaml:"-"`
}

// RelationshipSchema defines one relationship of a kind.
type RelationshipSchema struct {
	ID          string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string      `json:"name" yaml:"name"`
	Peer        string      `json:"peer" yaml:"peer"`
	Cardinality Cardinality `json:"cardinality" yaml:"cardinality"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
	ReadOnly    bool        `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	// Internal relationships are managed by the platform and hidden from users.
	Internal bool `json:"internal,omitempty" yaml:"internal,omitempty"`
	MinCount int  `json:"min_count,omitempty" yaml:"min_count,omitempty"`
	MaxCount int  `json:"max_count,omitempty" yaml:"max_count,omitempty"`

	Inherited string `json:"-" yaml:"-"`
}

// Definition is a node, generic or profile type. The category tags which one;
// InheritFrom is only meaningful for nodes.
type Definition struct {
	ID            string                `json:"id,omitempty" yaml:"id,omitempty"`
	Namespace     string                `json:"namespace" yaml:"namespace"`
	Name          string                `json:"name" yaml:"name"`
	Category      Category              `json:"category" yaml:"-"`
	Description   string                `json:"description,omitempty" yaml:"description,omitempty"`
	InheritFrom   []string              `json:"inherit_from,omitempty" yaml:"inherit_from,omitempty"`
	Attributes    []*AttributeSchema    `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Relationships []*RelationshipSchema `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// NodeSchema, GenericSchema and ProfileSchema build definitions of each category.
func NodeSchema(namespace, name string) *Definition {
	return &Definition{Namespace: namespace, Name: name, Category: CategoryNode}
}

func GenericSchema(namespace, name string) *Definition {
	return &Definition{Namespace: namespace, Name: name, Category: CategoryGeneric}
}

func ProfileSchema(namespace, name string) *Definition {
	return &Definition{Namespace: namespace, Name: name, Category: CategoryProfile}
}

// Kind is the namespaced type name, e.g. InfraDevice.
func (d *Definition) Kind() string {
	return d.Namespace + d.Name
}

// WithAttributes appends attributes and returns d.
func (d *Definition) WithAttributes(attrs ...*AttributeSchema) *Definition {
	d.Attributes = append(d.Attributes, attrs...)
	return d
}

// WithRelationships appends relationships and returns d.
func (d *Definition) WithRelationships(rels ...*RelationshipSchema) *Definition {
	d.Relationships = append(d.Relationships, rels...)
	return d
}

// Attribute returns the attribute called name, or nil.
func (d *Definition) Attribute(name string) *AttributeSchema {
	for _, a := range d.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Relationship returns the relationship called name, or nil.
func (d *Definition) Relationship(name string) *RelationshipSchema {
	for _, r := range d.Relationships {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// FieldNames returns attribute and relationship names in declaration order.
func (d *Definition) FieldNames() []string {
	names := make([]string, 0, len(d.Attributes)+len(d.Relationships))
	for _, a := range d.Attributes {
		names = append(names, a.Name)
	}
	for _, r := range d.Relationships {
		names = append(names, r.Name)
	}
	return names
}

// Clone returns a deep copy of d.
func (d *Definition) Clone() *Definition {
	c := *d
	c.InheritFrom = append([]string(nil), d.InheritFrom...)
	c.Attributes = make([]*AttributeSchema, len(d.Attributes))
	for i, a := range d.Attributes {
		c.Attributes[i] = a.Clone()
	}
	c.Relationships = make([]*RelationshipSchema, len(d.Relationships))
	for i, r := range d.Relationships {
		rc := *r
		c.Relationships[i] = &rc
	}
	c.normalize()
	return &c
}

// Clone returns a deep copy of a.
func (a *AttributeSchema) Clone() *AttributeSchema {
	c := *a
	c.Enum = append([]string(nil), a.Enum...)
	c.DefaultValue = cloneValue(a.DefaultValue)
	if a.Computed != nil {
		cc := *a.Computed
		c.Computed = &cc
	}
	return &c
}

// normalize makes semantically equal definitions structurally equal: empty
// slices become nil and default values take their JSON-decoded form.
func (d *Definition) normalize() {
	if len(d.InheritFrom) == 0 {
		d.InheritFrom = nil
	}
	if len(d.Attributes) == 0 {
		d.Attributes = nil
	}
	if len(d.Relationships) == 0 {
		d.Relationships = nil
	}
	for _, a := range d.Attributes {
		if len(a.Enum) == 0 {
			a.Enum = nil
		}
		a.DefaultValue = jsonValue(a.DefaultValue)
	}
	for _, r := range d.Relationships {
		if r.Cardinality == "" {
			r.Cardinality = CardinalityMany
		}
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// jsonValue round-trips v through JSON so values read from YAML, Go literals
// and the database compare equal.
func jsonValue(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// validate checks a single definition in isolation.
func (d *Definition) validate() error {
	if d.Namespace == "" || d.Name == "" {
		return fmt.Errorf("definition %q: namespace and name are required", d.Kind())
	}
	switch d.Category {
	case CategoryNode, CategoryGeneric, CategoryProfile:
	default:
		return fmt.Errorf("definition %s: unknown category %q", d.Kind(), d.Category)
	}
	if d.Category != CategoryNode && len(d.InheritFrom) > 0 {
		return fmt.Errorf("definition %s: only nodes can inherit", d.Kind())
	}

	seen := make(map[string]bool)
	for _, a := range d.Attributes {
		if a.Name == "" {
			return fmt.Errorf("definition %s: attribute without name", d.Kind())
		}
		if seen[a.Name] {
			return fmt.Errorf("definition %s: duplicate field %q", d.Kind(), a.Name)
		}
		seen[a.Name] = true
		if !a.Kind.Valid() {
			return fmt.Errorf("definition %s: attribute %s has unknown kind %q", d.Kind(), a.Name, a.Kind)
		}
		if a.Computed != nil && a.Computed.Kind == ComputedJinja2 && a.Computed.Template == "" {
			return fmt.Errorf("definition %s: computed attribute %s has no template", d.Kind(), a.Name)
		}
	}
	for _, r := range d.Relationships {
		if r.Name == "" {
			return fmt.Errorf("definition %s: relationship without name", d.Kind())
		}
		if seen[r.Name] {
			return fmt.Errorf("definition %s: duplicate field %q", d.Kind(), r.Name)
		}
		seen[r.Name] = true
		if r.Cardinality != CardinalityOne && r.Cardinality != CardinalityMany {
			return fmt.Errorf("definition %s: relationship %s has unknown cardinality %q", d.Kind(), r.Name, r.Cardinality)
		}
		if r.MaxCount > 0 && r.MinCount > r.MaxCount {
			return fmt.Errorf("definition %s: relationship %s min_count exceeds max_count", d.Kind(), r.Name)
		}
	}
	return nil
}

// sortedAttributes returns attributes ordered by name.
func sortedAttributes(attrs []*AttributeSchema) []*AttributeSchema {
	out := append([]*AttributeSchema(nil), attrs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedRelationships(rels []*RelationshipSchema) []*RelationshipSchema {
	out := append([]*RelationshipSchema(nil), rels...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
