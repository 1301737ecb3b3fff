package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// FieldRef addresses one field of one kind.
type FieldRef struct {
	Kind  string `json:"kind"`
	Field string `json:"field"`
}

// ComputedTarget is a computed attribute that must be recomputed when one of
// its source fields changes.
type ComputedTarget struct {
	Kind      string `json:"kind"`
	Attribute string `json:"attribute"`
}

// Processed is a SchemaBranch after inheritance resolution and trigger map
// construction. It is immutable; obtain a new one by calling Process again
// after mutating the source SchemaBranch.
type Processed struct {
	source     *SchemaBranch
	hash       Hash
	resolved   map[string]*Definition
	inheritors map[string][]string
	triggers   map[FieldRef][]ComputedTarget
}

// templateVar matches {{ path }} references in jinja2 templates.
var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Process validates the schema and builds the derived indexes. Calling it
// repeatedly on an unchanged SchemaBranch yields equivalent results.
func (s *SchemaBranch) Process() (*Processed, error) {
	src := s.Duplicate("")
	p := &Processed{
		source:     src,
		hash:       src.Hash(),
		resolved:   make(map[string]*Definition, len(src.defs)),
		inheritors: make(map[string][]string),
		triggers:   make(map[FieldRef][]ComputedTarget),
	}

	for _, kind := range src.Kinds() {
		if err := src.defs[kind].validate(); err != nil {
			return nil, apperror.ErrValidationFailed.WithMessage(err.Error())
		}
	}

	for _, kind := range src.Kinds() {
		def, err := p.resolve(src.defs[kind])
		if err != nil {
			return nil, apperror.ErrValidationFailed.WithMessage(err.Error())
		}
		p.resolved[kind] = def
	}

	for _, kind := range src.Kinds() {
		if err := p.checkPeers(p.resolved[kind]); err != nil {
			return nil, apperror.ErrValidationFailed.WithMessage(err.Error())
		}
	}

	for _, kind := range src.Kinds() {
		if err := p.indexComputed(p.resolved[kind]); err != nil {
			return nil, apperror.ErrValidationFailed.WithMessage(err.Error())
		}
	}

	for generic := range p.inheritors {
		sort.Strings(p.inheritors[generic])
	}
	return p, nil
}

// resolve copies attributes and relationships from generics into a node.
// Fields declared on the node itself take precedence.
func (p *Processed) resolve(def *Definition) (*Definition, error) {
	out := def.Clone()
	if def.Category != CategoryNode {
		return out, nil
	}

	for _, genericKind := range def.InheritFrom {
		generic, ok := p.source.defs[genericKind]
		if !ok {
			return nil, fmt.Errorf("%s inherits from unknown generic %s", def.Kind(), genericKind)
		}
		if generic.Category != CategoryGeneric {
			return nil, fmt.Errorf("%s inherits from %s which is not a generic", def.Kind(), genericKind)
		}
		p.inheritors[genericKind] = append(p.inheritors[genericKind], def.Kind())

		for _, a := range generic.Attributes {
			if out.Attribute(a.Name) != nil || out.Relationship(a.Name) != nil {
				continue
			}
			c := a.Clone()
			c.Inherited = genericKind
			out.Attributes = append(out.Attributes, c)
		}
		for _, r := range generic.Relationships {
			if out.Attribute(r.Name) != nil || out.Relationship(r.Name) != nil {
				continue
			}
			c := *r
			c.Inherited = genericKind
			out.Relationships = append(out.Relationships, &c)
		}
	}
	return out, nil
}

func (p *Processed) checkPeers(def *Definition) error {
	for _, r := range def.Relationships {
		if _, ok := p.source.defs[r.Peer]; !ok {
			return fmt.Errorf("%s.%s references unknown peer %s", def.Kind(), r.Name, r.Peer)
		}
	}
	return nil
}

// indexComputed parses jinja2 templates. A variable is either
// <attribute>__value on the same kind or <relationship>__<attribute>__value
// on a cardinality-one peer.
func (p *Processed) indexComputed(def *Definition) error {
	for _, a := range def.Attributes {
		if a.Computed == nil || a.Computed.Kind != ComputedJinja2 || a.Inherited != "" {
			continue
		}
		target := ComputedTarget{Kind: def.Kind(), Attribute: a.Name}
		for _, m := range templateVar.FindAllStringSubmatch(a.Computed.Template, -1) {
			parts := strings.Split(m[1], "__")
			switch {
			case len(parts) == 2 && parts[1] == "value":
				if def.Attribute(parts[0]) == nil {
					return fmt.Errorf("%s.%s template references unknown attribute %s", def.Kind(), a.Name, parts[0])
				}
				p.addTrigger(FieldRef{Kind: def.Kind(), Field: parts[0]}, target)
			case len(parts) == 3 && parts[2] == "value":
				rel := def.Relationship(parts[0])
				if rel == nil || rel.Cardinality != CardinalityOne {
					return fmt.Errorf("%s.%s template references unknown cardinality-one relationship %s", def.Kind(), a.Name, parts[0])
				}
				peer := p.resolvedOrSource(rel.Peer)
				if peer == nil || peer.Attribute(parts[1]) == nil {
					return fmt.Errorf("%s.%s template references unknown attribute %s on %s", def.Kind(), a.Name, parts[1], rel.Peer)
				}
				p.addTrigger(FieldRef{Kind: def.Kind(), Field: rel.Name}, target)
				p.addTrigger(FieldRef{Kind: rel.Peer, Field: parts[1]}, target)
			default:
				return fmt.Errorf("%s.%s template has unsupported reference %q", def.Kind(), a.Name, m[1])
			}
		}
	}
	return nil
}

func (p *Processed) resolvedOrSource(kind string) *Definition {
	if d, ok := p.resolved[kind]; ok {
		return d
	}
	return p.source.defs[kind]
}

func (p *Processed) addTrigger(ref FieldRef, target ComputedTarget) {
	for _, existing := range p.triggers[ref] {
		if existing == target {
			return
		}
	}
	p.triggers[ref] = append(p.triggers[ref], target)
}

// Name returns the owning branch name.
func (p *Processed) Name() string { return p.source.name }

// Hash returns the content hash of the source schema.
func (p *Processed) Hash() Hash { return p.hash }

// Source returns a copy of the unresolved schema, suitable for mutation.
func (p *Processed) Source() *SchemaBranch { return p.source.Duplicate("") }

// Duplicate copies the source schema under a new branch name.
func (p *Processed) Duplicate(name string) *SchemaBranch { return p.source.Duplicate(name) }

// Has reports whether kind is defined.
func (p *Processed) Has(kind string) bool {
	_, ok := p.resolved[kind]
	return ok
}

// Get returns the resolved definition for kind. Callers must not mutate it.
func (p *Processed) Get(kind string) (*Definition, error) {
	d, ok := p.resolved[kind]
	if !ok {
		return nil, apperror.NewNotFound("schema kind", kind)
	}
	return d, nil
}

// GetNode returns the resolved definition for a node kind.
func (p *Processed) GetNode(kind string) (*Definition, error) {
	d, err := p.Get(kind)
	if err != nil {
		return nil, err
	}
	if d.Category != CategoryNode {
		return nil, apperror.NewBadRequest(fmt.Sprintf("%s is a %s, not a node", kind, d.Category))
	}
	return d, nil
}

// Kinds returns all kinds, sorted.
func (p *Processed) Kinds() []string { return p.source.Kinds() }

// NodeKinds returns node kinds, sorted.
func (p *Processed) NodeKinds() []string {
	var out []string
	for _, k := range p.source.Kinds() {
		if p.resolved[k].Category == CategoryNode {
			out = append(out, k)
		}
	}
	return out
}

// NodesInheriting returns the node kinds inheriting from generic.
func (p *Processed) NodesInheriting(generic string) []string {
	return append([]string(nil), p.inheritors[generic]...)
}

// IsKindOf reports whether kind is target or inherits from it.
func (p *Processed) IsKindOf(kind, target string) bool {
	if kind == target {
		return true
	}
	d, ok := p.resolved[kind]
	if !ok {
		return false
	}
	for _, g := range d.InheritFrom {
		if g == target {
			return true
		}
	}
	return false
}

// ImpactedTargets returns the computed attributes to refresh when field of
// kind changes.
func (p *Processed) ImpactedTargets(kind, field string) []ComputedTarget {
	return append([]ComputedTarget(nil), p.triggers[FieldRef{Kind: kind, Field: field}]...)
}

// Diff compares the sources of p (old) and other (new).
func (p *Processed) Diff(other *Processed) *Diff {
	return p.source.Diff(other.source)
}
