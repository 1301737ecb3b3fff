package schema

import (
	"encoding/hex"
	"encoding/json"

	"lukechampine.com/blake3"
)

// Hash is the content digest of a schema: one component per category plus a
// main digest over the three.
type Hash struct {
	Main     string `json:"main"`
	Nodes    string `json:"nodes"`
	Generics string `json:"generics"`
	Profiles string `json:"profiles"`
}

// IsZero reports whether the hash was never computed.
func (h Hash) IsZero() bool { return h.Main == "" }

// canonicalAttribute and friends are the hashed projection of a definition:
// element ids are identity, not content, and field order is not significant.
type canonicalAttribute struct {
	Name         string             `json:"name"`
	Kind         AttributeKind      `json:"kind"`
	Description  string             `json:"description"`
	Optional     bool               `json:"optional"`
	ReadOnly     bool               `json:"read_only"`
	Unique       bool               `json:"unique"`
	DefaultValue any                `json:"default_value"`
	Regex        string             `json:"regex"`
	Enum         []string           `json:"enum"`
	Computed     *ComputedAttribute `json:"computed"`
}

type canonicalRelationship struct {
	Name        string      `json:"name"`
	Peer        string      `json:"peer"`
	Cardinality Cardinality `json:"cardinality"`
	Description string      `json:"description"`
	Optional    bool        `json:"optional"`
	ReadOnly    bool        `json:"read_only"`
	Internal    bool        `json:"internal"`
	MinCount    int         `json:"min_count"`
	MaxCount    int         `json:"max_count"`
}

type canonicalDefinition struct {
	Kind          string                  `json:"kind"`
	Description   string                  `json:"description"`
	InheritFrom   []string                `json:"inherit_from"`
	Attributes    []canonicalAttribute    `json:"attributes"`
	Relationships []canonicalRelationship `json:"relationships"`
}

func canonical(d *Definition) canonicalDefinition {
	c := canonicalDefinition{
		Kind:        d.Kind(),
		Description: d.Description,
		InheritFrom: d.InheritFrom,
	}
	for _, a := range sortedAttributes(d.Attributes) {
		c.Attributes = append(c.Attributes, canonicalAttribute{
			Name: a.Name, Kind: a.Kind, Description: a.Description,
			Optional: a.Optional, ReadOnly: a.ReadOnly, Unique: a.Unique,
			DefaultValue: a.DefaultValue, Regex: a.Regex, Enum: a.Enum, Computed: a.Computed,
		})
	}
	for _, r := range sortedRelationships(d.Relationships) {
		c.Relationships = append(c.Relationships, canonicalRelationship{
			Name: r.Name, Peer: r.Peer, Cardinality: r.Cardinality, Description: r.Description,
			Optional: r.Optional, ReadOnly: r.ReadOnly, Internal: r.Internal,
			MinCount: r.MinCount, MaxCount: r.MaxCount,
		})
	}
	return c
}

// Hash computes the content hash. Definitions are visited in kind order so the
// result does not depend on insertion order.
func (s *SchemaBranch) Hash() Hash {
	groups := map[Category][]canonicalDefinition{}
	for _, k := range s.Kinds() {
		d := s.defs[k]
		groups[d.Category] = append(groups[d.Category], canonical(d))
	}

	h := Hash{
		Nodes:    digest(groups[CategoryNode]),
		Generics: digest(groups[CategoryGeneric]),
		Profiles: digest(groups[CategoryProfile]),
	}
	h.Main = digest([]string{h.Nodes, h.Generics, h.Profiles})
	return h
}

func digest(v any) string {
	// json.Marshal cannot fail on these projections: they hold only strings,
	// numbers, bools, slices and JSON-decoded default values.
	b, _ := json.Marshal(v)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
