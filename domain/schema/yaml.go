package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// File is the on-disk schema format:
//
//	version: "1.0"
//	generics:
//	  - namespace: Builtin
//	    name: IPPrefix
//	    attributes: [...]
//	nodes:
//	  - namespace: Ipam
//	    name: Prefix
//	    inherit_from: [BuiltinIPPrefix]
//	profiles: [...]
type File struct {
	Version  string        `yaml:"version"`
	Nodes    []*Definition `yaml:"nodes"`
	Generics []*Definition `yaml:"generics"`
	Profiles []*Definition `yaml:"profiles"`
}

// ParseYAML decodes a schema file into definitions tagged with their category.
func ParseYAML(data []byte) ([]*Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}

	var defs []*Definition
	add := func(list []*Definition, cat Category) {
		for _, d := range list {
			if d == nil {
				continue
			}
			d.Category = cat
			defs = append(defs, d)
		}
	}
	add(f.Generics, CategoryGeneric)
	add(f.Nodes, CategoryNode)
	add(f.Profiles, CategoryProfile)

	if len(defs) == 0 {
		return nil, fmt.Errorf("schema file defines no kinds")
	}
	for _, d := range defs {
		d.normalize()
		if err := d.validate(); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// MarshalYAML renders sb in the File format.
func MarshalYAML(sb *SchemaBranch) ([]byte, error) {
	f := File{Version: "1.0"}
	for _, d := range sb.Definitions() {
		switch d.Category {
		case CategoryNode:
			f.Nodes = append(f.Nodes, d)
		case CategoryGeneric:
			f.Generics = append(f.Generics, d)
		case CategoryProfile:
			f.Profiles = append(f.Profiles, d)
		}
	}
	return yaml.Marshal(f)
}
