package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// NodeLoader fetches nodes by id. PropertyRef.Fetch resolves through it.
type NodeLoader interface {
	Load(ctx context.Context, id string) (*Node, error)
}

// PropertyRef is an optional reference to another node (an attribute's owner
// or source). The id is authoritative; the node is only populated by an
// explicit Fetch and is dropped whenever the id changes.
type PropertyRef struct {
	id     string
	cached *Node
}

// Ref returns a reference to id.
func Ref(id string) PropertyRef { return PropertyRef{id: id} }

// ID returns the referenced node id, or "".
func (r *PropertyRef) ID() string { return r.id }

// IsSet reports whether the reference points anywhere.
func (r *PropertyRef) IsSet() bool { return r.id != "" }

// Set points the reference at id, invalidating the cached node when the id
// changes.
func (r *PropertyRef) Set(id string) {
	if id == r.id {
		return
	}
	r.id = id
	r.cached = nil
}

// Cached returns the fetched node, if any.
func (r *PropertyRef) Cached() (*Node, bool) {
	return r.cached, r.cached != nil
}

// Fetch loads the referenced node once and caches it. An unset reference
// returns nil.
func (r *PropertyRef) Fetch(ctx context.Context, loader NodeLoader) (*Node, error) {
	if r.id == "" {
		return nil, nil
	}
	if r.cached != nil {
		return r.cached, nil
	}
	n, err := loader.Load(ctx, r.id)
	if err != nil {
		return nil, err
	}
	r.cached = n
	return n, nil
}

// Attribute is one attribute value with its properties.
type Attribute struct {
	Name        string
	Value       any
	IsProtected bool
	Owner       PropertyRef
	Source      PropertyRef
}

// Node is a schema-driven record: its fields are those of its kind in the
// branch schema, and every mutation is checked against that definition.
type Node struct {
	id    string
	def   *schema.Definition
	attrs map[string]*Attribute
	peers map[string][]string
}

// NewNode creates an empty node of a resolved node definition.
func NewNode(def *schema.Definition, id string) (*Node, error) {
	if def.Category != schema.CategoryNode {
		return nil, apperror.NewBadRequest(fmt.Sprintf("%s is a %s, not a node", def.Kind(), def.Category))
	}
	return &Node{
		id:    id,
		def:   def,
		attrs: make(map[string]*Attribute),
		peers: make(map[string][]string),
	}, nil
}

func (n *Node) ID() string                     { return n.id }
func (n *Node) Kind() string                   { return n.def.Kind() }
func (n *Node) Definition() *schema.Definition { return n.def }

// Fields returns attribute then relationship names in declaration order.
func (n *Node) Fields() []string { return n.def.FieldNames() }

// Attribute returns the attribute called name, or nil when it is unset.
func (n *Node) Attribute(name string) *Attribute { return n.attrs[name] }

// Value returns the value of attribute name, or nil.
func (n *Node) Value(name string) any {
	if a := n.attrs[name]; a != nil {
		return a.Value
	}
	return nil
}

// Set assigns an attribute value after coercion and constraint checks.
// Read-only attributes are rejected.
func (n *Node) Set(name string, value any) error {
	attr := n.def.Attribute(name)
	if attr == nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s has no attribute %s", n.Kind(), name))
	}
	if attr.ReadOnly {
		return apperror.NewBadRequest(fmt.Sprintf("%s.%s is read-only", n.Kind(), name))
	}
	return n.assign(attr, value)
}

func (n *Node) assign(attr *schema.AttributeSchema, value any) error {
	v, err := Coerce(attr.Kind, value)
	if err != nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s.%s: %v", n.Kind(), attr.Name, err))
	}
	if err := checkValue(attr, v); err != nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s.%s: %v", n.Kind(), attr.Name, err))
	}
	a := n.attrs[attr.Name]
	if a == nil {
		a = &Attribute{Name: attr.Name}
		n.attrs[attr.Name] = a
	}
	a.Value = v
	return nil
}

func checkValue(attr *schema.AttributeSchema, v any) error {
	s, isString := v.(string)
	if attr.Regex != "" && isString {
		re, err := regexp.Compile(attr.Regex)
		if err != nil {
			return fmt.Errorf("invalid regex %q", attr.Regex)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("value %q does not match %s", s, attr.Regex)
		}
	}
	if len(attr.Enum) > 0 && v != nil {
		text, err := coerceToText(v)
		if err != nil {
			return err
		}
		for _, e := range attr.Enum {
			if e == text {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %v", text, attr.Enum)
	}
	return nil
}

// SetProperties updates the protection flag and owner/source references of
// an attribute that already has a value.
func (n *Node) SetProperties(name string, isProtected bool, owner, source string) error {
	a := n.attrs[name]
	if a == nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s.%s has no value", n.Kind(), name))
	}
	a.IsProtected = isProtected
	a.Owner.Set(owner)
	a.Source.Set(source)
	return nil
}

// Peers returns the peer ids of relationship name, sorted.
func (n *Node) Peers(name string) []string {
	return append([]string(nil), n.peers[name]...)
}

// AddPeer links peer through relationship name. On a cardinality-one
// relationship the previous peer is replaced.
func (n *Node) AddPeer(name, peer string) error {
	rel := n.def.Relationship(name)
	if rel == nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s has no relationship %s", n.Kind(), name))
	}
	if peer == "" {
		return apperror.NewBadRequest(fmt.Sprintf("%s.%s: empty peer id", n.Kind(), name))
	}
	if rel.Cardinality == schema.CardinalityOne {
		n.peers[name] = []string{peer}
		return nil
	}
	for _, p := range n.peers[name] {
		if p == peer {
			return nil
		}
	}
	n.peers[name] = append(n.peers[name], peer)
	sort.Strings(n.peers[name])
	return nil
}

// RemovePeer unlinks peer from relationship name.
func (n *Node) RemovePeer(name, peer string) error {
	if n.def.Relationship(name) == nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s has no relationship %s", n.Kind(), name))
	}
	peers := n.peers[name]
	for i, p := range peers {
		if p == peer {
			n.peers[name] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
	if len(n.peers[name]) == 0 {
		delete(n.peers, name)
	}
	return nil
}

// SetPeers replaces every peer of relationship name.
func (n *Node) SetPeers(name string, peers []string) error {
	if n.def.Relationship(name) == nil {
		return apperror.NewBadRequest(fmt.Sprintf("%s has no relationship %s", n.Kind(), name))
	}
	delete(n.peers, name)
	for _, p := range peers {
		if err := n.AddPeer(name, p); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks required fields and relationship counts, reporting every
// failure.
func (n *Node) Validate() error {
	var msgs []string
	for _, attr := range n.def.Attributes {
		if attr.Optional || attr.Computed != nil {
			continue
		}
		if n.Value(attr.Name) == nil {
			msgs = append(msgs, fmt.Sprintf("%s.%s is required", n.Kind(), attr.Name))
		}
	}
	for _, rel := range n.def.Relationships {
		count := len(n.peers[rel.Name])
		if !rel.Optional && count == 0 {
			msgs = append(msgs, fmt.Sprintf("%s.%s requires a peer", n.Kind(), rel.Name))
		}
		if rel.MinCount > 0 && count > 0 && count < rel.MinCount {
			msgs = append(msgs, fmt.Sprintf("%s.%s needs at least %d peers", n.Kind(), rel.Name, rel.MinCount))
		}
		if rel.MaxCount > 0 && count > rel.MaxCount {
			msgs = append(msgs, fmt.Sprintf("%s.%s allows at most %d peers", n.Kind(), rel.Name, rel.MaxCount))
		}
	}
	if len(msgs) > 0 {
		return apperror.NewValidationFailed(msgs)
	}
	return nil
}

// elements returns the change rows describing n, without ids or times.
func (n *Node) elements() (map[ElementKey]*Change, error) {
	out := make(map[ElementKey]*Change)
	node := &Change{NodeID: n.id, Kind: n.Kind(), ElementType: ElementNode, Status: StatusActive}
	out[node.Key()] = node

	for name, a := range n.attrs {
		value, err := EncodeValue(a.Value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", n.Kind(), name, err)
		}
		c := &Change{
			NodeID: n.id, Kind: n.Kind(), ElementType: ElementAttribute, FieldName: name,
			Value: value, IsProtected: a.IsProtected, OwnerID: a.Owner.ID(), SourceID: a.Source.ID(),
			Status: StatusActive,
		}
		out[c.Key()] = c
	}
	for name, peers := range n.peers {
		for _, p := range peers {
			c := &Change{NodeID: n.id, Kind: n.Kind(), ElementType: ElementRelationship, FieldName: name, PeerID: p, Status: StatusActive}
			out[c.Key()] = c
		}
	}
	return out, nil
}

// hydrate builds a node from its visible rows. Fields no longer in the
// schema are skipped.
func hydrate(def *schema.Definition, id string, rows []*Change) (*Node, error) {
	n, err := NewNode(def, id)
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		if !c.IsActive() {
			continue
		}
		switch c.ElementType {
		case ElementAttribute:
			if def.Attribute(c.FieldName) == nil {
				continue
			}
			v, err := c.Decode()
			if err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", id, c.FieldName, err)
			}
			n.attrs[c.FieldName] = &Attribute{
				Name: c.FieldName, Value: v, IsProtected: c.IsProtected,
				Owner: Ref(c.OwnerID), Source: Ref(c.SourceID),
			}
		case ElementRelationship:
			if def.Relationship(c.FieldName) == nil {
				continue
			}
			n.peers[c.FieldName] = append(n.peers[c.FieldName], c.PeerID)
		}
	}
	for name := range n.peers {
		sort.Strings(n.peers[name])
	}
	return n, nil
}
