package schema

import "sort"

// MigrationName identifies a data migration kind.
type MigrationName string

const (
	MigrationNodeRemove             MigrationName = "node.remove"
	MigrationNodeAttributeAdd       MigrationName = "node.attribute.add"
	MigrationNodeAttributeRemove    MigrationName = "node.attribute.remove"
	MigrationAttributeNameUpdate    MigrationName = "attribute.name.update"
	MigrationAttributeKindUpdate    MigrationName = "attribute.kind.update"
	MigrationNodeRelationshipRemove MigrationName = "node.relationship.remove"
)

// Migration is one data transformation required by a schema change. It only
// lives for the duration of one merge or rebase.
type Migration struct {
	Name MigrationName `json:"name"`
	Kind string        `json:"kind"`
	// Field is the field name in the new schema (old name for removals).
	Field string `json:"field,omitempty"`
	// PreviousField is the old name of a renamed attribute.
	PreviousField string `json:"previous_field,omitempty"`
	// Attribute is the new attribute definition for add and kind updates.
	Attribute *AttributeSchema `json:"attribute,omitempty"`
	// PreviousKind is the attribute kind before a kind update.
	PreviousKind AttributeKind `json:"previous_kind,omitempty"`
}

// Path renders the migration target as kind[/field].
func (m Migration) Path() string {
	if m.Field == "" {
		return m.Kind
	}
	return m.Kind + "/" + m.Field
}

// DetermineMigrations derives the data migrations needed to move stored nodes
// from the from schema to the to schema. Only node kinds touched by diff, directly or through a
// changed generic, are considered; comparisons use resolved definitions so
// inherited fields are covered.
func DetermineMigrations(from, to *Processed, diff *Diff) []Migration {
	if diff.IsEmpty() {
		return nil
	}

	impacted := make(map[string]bool)
	for _, kd := range diff.Kinds {
		impacted[kd.Kind] = true
		if kd.Category == CategoryGeneric {
			for _, k := range from.NodesInheriting(kd.Kind) {
				impacted[k] = true
			}
			for _, k := range to.NodesInheriting(kd.Kind) {
				impacted[k] = true
			}
		}
	}
	kinds := make([]string, 0, len(impacted))
	for k := range impacted {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var out []Migration
	for _, kind := range kinds {
		o, oldOK := from.resolved[kind]
		n, newOK := to.resolved[kind]
		if oldOK && o.Category != CategoryNode {
			oldOK = false
		}
		if newOK && n.Category != CategoryNode {
			newOK = false
		}

		switch {
		case oldOK && !newOK:
			out = append(out, Migration{Name: MigrationNodeRemove, Kind: kind})
		case oldOK && newOK:
			out = append(out, nodeMigrations(o, n)...)
		}
	}
	return out
}

func nodeMigrations(o, n *Definition) []Migration {
	var out []Migration
	kind := n.Kind()

	for _, fd := range diffAttributes(o.Attributes, n.Attributes) {
		switch fd.Action {
		case ActionAdded:
			out = append(out, Migration{Name: MigrationNodeAttributeAdd, Kind: kind, Field: fd.Name, Attribute: n.Attribute(fd.Name).Clone()})
		case ActionRemoved:
			out = append(out, Migration{Name: MigrationNodeAttributeRemove, Kind: kind, Field: fd.Name})
		case ActionChanged:
			if fd.PreviousName != "" {
				out = append(out, Migration{Name: MigrationAttributeNameUpdate, Kind: kind, Field: fd.Name, PreviousField: fd.PreviousName})
			}
			if fd.HasProperty("kind") {
				prev := o.Attribute(fd.Name)
				if fd.PreviousName != "" {
					prev = o.Attribute(fd.PreviousName)
				}
				out = append(out, Migration{
					Name: MigrationAttributeKindUpdate, Kind: kind, Field: fd.Name,
					Attribute: n.Attribute(fd.Name).Clone(), PreviousKind: prev.Kind,
				})
			}
		}
	}

	for _, fd := range diffRelationships(o.Relationships, n.Relationships) {
		if fd.Action == ActionRemoved {
			out = append(out, Migration{Name: MigrationNodeRelationshipRemove, Kind: kind, Field: fd.Name})
		}
	}
	return out
}
