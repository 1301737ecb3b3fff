package schema

import (
	"reflect"
	"sort"
)

// Action describes how a kind or field differs between two schemas.
type Action string

const (
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
	ActionChanged Action = "changed"
)

// FieldDiff is one changed attribute or relationship.
type FieldDiff struct {
	Name      string    `json:"name"`
	FieldType FieldType `json:"field_type"`
	Action    Action    `json:"action"`
	ID        string    `json:"id"`
	// PreviousName is set when the field kept its id but was renamed.
	PreviousName string `json:"previous_name,omitempty"`
	// Properties lists the changed properties (kind, optional, unique, ...).
	Properties []string `json:"properties,omitempty"`
}

// HasProperty reports whether prop changed.
func (f *FieldDiff) HasProperty(prop string) bool {
	for _, p := range f.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// KindDiff is the difference for one kind.
type KindDiff struct {
	Kind       string       `json:"kind"`
	Category   Category     `json:"category"`
	Action     Action       `json:"action"`
	Properties []string     `json:"properties,omitempty"`
	Fields     []*FieldDiff `json:"fields,omitempty"`
}

// HasProperty reports whether the kind-level property prop changed.
func (k *KindDiff) HasProperty(prop string) bool {
	for _, p := range k.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// Diff is the structural difference between two schemas, sorted by kind.
// It describes what changes to go from the receiver of SchemaBranch.Diff to
// its argument.
type Diff struct {
	Kinds []*KindDiff `json:"kinds"`
}

// IsEmpty reports whether the schemas are structurally identical.
func (d *Diff) IsEmpty() bool { return d == nil || len(d.Kinds) == 0 }

// Get returns the diff for kind, or nil.
func (d *Diff) Get(kind string) *KindDiff {
	if d == nil {
		return nil
	}
	for _, k := range d.Kinds {
		if k.Kind == kind {
			return k
		}
	}
	return nil
}

// ChangedKinds returns every kind in the diff.
func (d *Diff) ChangedKinds() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.Kinds))
	for i, k := range d.Kinds {
		out[i] = k.Kind
	}
	return out
}

func (d *Diff) byAction(a Action) []string {
	var out []string
	for _, k := range d.Kinds {
		if k.Action == a {
			out = append(out, k.Kind)
		}
	}
	return out
}

// Added, Removed and Changed return kinds by action.
func (d *Diff) Added() []string   { return d.byAction(ActionAdded) }
func (d *Diff) Removed() []string { return d.byAction(ActionRemoved) }
func (d *Diff) Changed() []string { return d.byAction(ActionChanged) }

// Diff compares s (old) with other (new). It looks only at definitions, never
// at stored data.
func (s *SchemaBranch) Diff(other *SchemaBranch) *Diff {
	return diffDefinitions(s.defs, other.defs)
}

func diffDefinitions(oldDefs, newDefs map[string]*Definition) *Diff {
	kinds := make(map[string]bool)
	for k := range oldDefs {
		kinds[k] = true
	}
	for k := range newDefs {
		kinds[k] = true
	}
	sorted := make([]string, 0, len(kinds))
	for k := range kinds {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	diff := &Diff{}
	for _, kind := range sorted {
		o, n := oldDefs[kind], newDefs[kind]
		switch {
		case o == nil:
			diff.Kinds = append(diff.Kinds, &KindDiff{Kind: kind, Category: n.Category, Action: ActionAdded, Fields: allFields(n, ActionAdded)})
		case n == nil:
			diff.Kinds = append(diff.Kinds, &KindDiff{Kind: kind, Category: o.Category, Action: ActionRemoved, Fields: allFields(o, ActionRemoved)})
		default:
			if kd := diffDefinition(o, n); kd != nil {
				diff.Kinds = append(diff.Kinds, kd)
			}
		}
	}
	return diff
}

func allFields(d *Definition, action Action) []*FieldDiff {
	var out []*FieldDiff
	for _, a := range sortedAttributes(d.Attributes) {
		out = append(out, &FieldDiff{Name: a.Name, FieldType: FieldAttribute, Action: action, ID: a.ID})
	}
	for _, r := range sortedRelationships(d.Relationships) {
		out = append(out, &FieldDiff{Name: r.Name, FieldType: FieldRelationship, Action: action, ID: r.ID})
	}
	return out
}

func diffDefinition(o, n *Definition) *KindDiff {
	kd := &KindDiff{Kind: n.Kind(), Category: n.Category, Action: ActionChanged}
	if o.Category != n.Category {
		kd.Properties = append(kd.Properties, "category")
	}
	if o.Description != n.Description {
		kd.Properties = append(kd.Properties, "description")
	}
	if !sameStrings(o.InheritFrom, n.InheritFrom) {
		kd.Properties = append(kd.Properties, "inherit_from")
	}

	kd.Fields = append(kd.Fields, diffAttributes(o.Attributes, n.Attributes)...)
	kd.Fields = append(kd.Fields, diffRelationships(o.Relationships, n.Relationships)...)

	if len(kd.Properties) == 0 && len(kd.Fields) == 0 {
		return nil
	}
	return kd
}

// matchFields pairs old and new fields: by id first (which detects renames),
// then by name for fields without a matching id.
func matchFields(oldIDs, oldNames, newIDs, newNames []string) (pairs [][2]int, removed, added []int) {
	usedOld := make(map[int]bool)
	usedNew := make(map[int]bool)

	oldByID := make(map[string]int)
	for i, id := range oldIDs {
		if id != "" {
			oldByID[id] = i
		}
	}
	for j, id := range newIDs {
		if i, ok := oldByID[id]; ok && id != "" {
			pairs = append(pairs, [2]int{i, j})
			usedOld[i], usedNew[j] = true, true
		}
	}

	oldByName := make(map[string]int)
	for i, name := range oldNames {
		if !usedOld[i] {
			oldByName[name] = i
		}
	}
	for j, name := range newNames {
		if usedNew[j] {
			continue
		}
		if i, ok := oldByName[name]; ok && !usedOld[i] {
			pairs = append(pairs, [2]int{i, j})
			usedOld[i], usedNew[j] = true, true
		}
	}

	for i := range oldNames {
		if !usedOld[i] {
			removed = append(removed, i)
		}
	}
	for j := range newNames {
		if !usedNew[j] {
			added = append(added, j)
		}
	}
	return pairs, removed, added
}

func diffAttributes(olds, news []*AttributeSchema) []*FieldDiff {
	olds, news = sortedAttributes(olds), sortedAttributes(news)
	oldIDs, oldNames := make([]string, len(olds)), make([]string, len(olds))
	for i, a := range olds {
		oldIDs[i], oldNames[i] = a.ID, a.Name
	}
	newIDs, newNames := make([]string, len(news)), make([]string, len(news))
	for i, a := range news {
		newIDs[i], newNames[i] = a.ID, a.Name
	}

	pairs, removed, added := matchFields(oldIDs, oldNames, newIDs, newNames)

	var out []*FieldDiff
	for _, p := range pairs {
		o, n := olds[p[0]], news[p[1]]
		props := attributeChanges(o, n)
		if len(props) == 0 {
			continue
		}
		fd := &FieldDiff{Name: n.Name, FieldType: FieldAttribute, Action: ActionChanged, ID: n.ID, Properties: props}
		if o.Name != n.Name {
			fd.PreviousName = o.Name
		}
		out = append(out, fd)
	}
	for _, i := range removed {
		out = append(out, &FieldDiff{Name: olds[i].Name, FieldType: FieldAttribute, Action: ActionRemoved, ID: olds[i].ID})
	}
	for _, j := range added {
		out = append(out, &FieldDiff{Name: news[j].Name, FieldType: FieldAttribute, Action: ActionAdded, ID: news[j].ID})
	}
	sortFieldDiffs(out)
	return out
}

func diffRelationships(olds, news []*RelationshipSchema) []*FieldDiff {
	olds, news = sortedRelationships(olds), sortedRelationships(news)
	oldIDs, oldNames := make([]string, len(olds)), make([]string, len(olds))
	for i, r := range olds {
		oldIDs[i], oldNames[i] = r.ID, r.Name
	}
	newIDs, newNames := make([]string, len(news)), make([]string, len(news))
	for i, r := range news {
		newIDs[i], newNames[i] = r.ID, r.Name
	}

	pairs, removed, added := matchFields(oldIDs, oldNames, newIDs, newNames)

	var out []*FieldDiff
	for _, p := range pairs {
		o, n := olds[p[0]], news[p[1]]
		props := relationshipChanges(o, n)
		if len(props) == 0 {
			continue
		}
		fd := &FieldDiff{Name: n.Name, FieldType: FieldRelationship, Action: ActionChanged, ID: n.ID, Properties: props}
		if o.Name != n.Name {
			fd.PreviousName = o.Name
		}
		out = append(out, fd)
	}
	for _, i := range removed {
		out = append(out, &FieldDiff{Name: olds[i].Name, FieldType: FieldRelationship, Action: ActionRemoved, ID: olds[i].ID})
	}
	for _, j := range added {
		out = append(out, &FieldDiff{Name: news[j].Name, FieldType: FieldRelationship, Action: ActionAdded, ID: news[j].ID})
	}
	sortFieldDiffs(out)
	return out
}

func attributeChanges(o, n *AttributeSchema) []string {
	var props []string
	add := func(changed bool, name string) {
		if changed {
			props = append(props, name)
		}
	}
	add(o.Name != n.Name, "name")
	add(o.Kind != n.Kind, "kind")
	add(o.Description != n.Description, "description")
	add(o.Optional != n.Optional, "optional")
	add(o.ReadOnly != n.ReadOnly, "read_only")
	add(o.Unique != n.Unique, "unique")
	add(!reflect.DeepEqual(o.DefaultValue, n.DefaultValue), "default_value")
	add(o.Regex != n.Regex, "regex")
	add(!sameStrings(o.Enum, n.Enum), "enum")
	add(!reflect.DeepEqual(o.Computed, n.Computed), "computed")
	return props
}

func relationshipChanges(o, n *RelationshipSchema) []string {
	var props []string
	add := func(changed bool, name string) {
		if changed {
			props = append(props, name)
		}
	}
	add(o.Name != n.Name, "name")
	add(o.Peer != n.Peer, "peer")
	add(o.Cardinality != n.Cardinality, "cardinality")
	add(o.Description != n.Description, "description")
	add(o.Optional != n.Optional, "optional")
	add(o.ReadOnly != n.ReadOnly, "read_only")
	add(o.Internal != n.Internal, "internal")
	add(o.MinCount != n.MinCount, "min_count")
	add(o.MaxCount != n.MaxCount, "max_count")
	return props
}

func sortFieldDiffs(fds []*FieldDiff) {
	sort.SliceStable(fds, func(i, j int) bool { return fds[i].Name < fds[j].Name })
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
