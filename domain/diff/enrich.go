package diff

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/emergent-company/branchgraph/domain/graph"
)

// DetectConflicts returns one conflict per element changed on both sides to
// different final states. A node removed on one side and changed on the
// other conflicts on its existence unless one of its elements already does.
func DetectConflicts(base, branchSide []*ElementDiff) []*Conflict {
	byKey := make(map[graph.ElementKey]*ElementDiff, len(base))
	for _, e := range base {
		if e.Action != ActionUnchanged {
			byKey[e.Key] = e
		}
	}

	var out []*Conflict
	for _, e := range branchSide {
		if e.Action == ActionUnchanged {
			continue
		}
		b, ok := byKey[e.Key]
		if !ok || graph.SameState(b.Final, e.Final) {
			continue
		}
		out = append(out, &Conflict{
			UUID:         uuid.NewString(),
			Path:         e.Key.Path(),
			Key:          e.Key,
			Kind:         e.Kind,
			BaseAction:   b.Action,
			BaseValue:    finalValue(b),
			BranchAction: e.Action,
			BranchValue:  finalValue(e),
		})
	}

	conflicted := make(map[string]bool, len(out))
	for _, c := range out {
		conflicted[c.Key.NodeID] = true
	}
	removedBase, removedBranch := removedNodes(base), removedNodes(branchSide)
	for _, pair := range []struct {
		removed map[string]*ElementDiff
		other   []*ElementDiff
		onBase  bool
	}{{removedBase, branchSide, true}, {removedBranch, base, false}} {
		for _, e := range pair.other {
			gone, ok := pair.removed[e.Key.NodeID]
			if !ok || conflicted[e.Key.NodeID] || e.Action == ActionUnchanged || e.Action == ActionRemoved {
				continue
			}
			conflicted[e.Key.NodeID] = true
			c := &Conflict{
				UUID: uuid.NewString(),
				Path: gone.Key.Path(),
				Key:  gone.Key,
				Kind: gone.Kind,
			}
			if pair.onBase {
				c.BaseAction, c.BranchAction = ActionRemoved, ActionUpdated
			} else {
				c.BaseAction, c.BranchAction = ActionUpdated, ActionRemoved
			}
			out = append(out, c)
		}
	}
	return out
}

func removedNodes(elements []*ElementDiff) map[string]*ElementDiff {
	out := make(map[string]*ElementDiff)
	for _, e := range elements {
		if e.Key.ElementType == graph.ElementNode && e.Action == ActionRemoved {
			out[e.Key.NodeID] = e
		}
	}
	return out
}

func finalValue(e *ElementDiff) string {
	if e.Final == nil || !e.Final.IsActive() {
		return ""
	}
	return e.Final.Value
}

// Enrich rebuilds the node view of both sides and attaches conflicts.
func (d *EnrichedDiffs) Enrich() {
	conflicts := make(map[graph.ElementKey]*Conflict, len(d.Branch.Conflicts))
	for _, c := range d.Branch.Conflicts {
		conflicts[c.Key] = c
	}
	d.Base.enrich(conflicts)
	d.Branch.enrich(conflicts)
}

func (r *EnrichedDiffRoot) enrich(conflicts map[graph.ElementKey]*Conflict) {
	r.Nodes = nil
	nodes := make(map[string]*EnrichedNode)
	rels := make(map[string]map[string]*EnrichedRelationship)

	for _, e := range r.Elements {
		if e.Action == ActionUnchanged {
			continue
		}
		n, ok := nodes[e.Key.NodeID]
		if !ok {
			n = &EnrichedNode{
				UUID:     e.Key.NodeID,
				Kind:     e.Kind,
				Action:   ActionUpdated,
				Conflict: conflicts[graph.ElementKey{NodeID: e.Key.NodeID, ElementType: graph.ElementNode}],
			}
			nodes[e.Key.NodeID] = n
			rels[e.Key.NodeID] = make(map[string]*EnrichedRelationship)
			r.Nodes = append(r.Nodes, n)
		}
		if at := e.ChangedAt(); at.After(n.ChangedAt) {
			n.ChangedAt = at
		}
		c := conflicts[e.Key]

		switch e.Key.ElementType {
		case graph.ElementNode:
			n.Action = e.Action
		case graph.ElementAttribute:
			n.Attributes = append(n.Attributes, attributeOf(e, c))
		case graph.ElementRelationship:
			rel, ok := rels[e.Key.NodeID][e.Key.FieldName]
			if !ok {
				rel = &EnrichedRelationship{Name: e.Key.FieldName}
				rels[e.Key.NodeID][e.Key.FieldName] = rel
				n.Relationships = append(n.Relationships, rel)
			}
			rel.Elements = append(rel.Elements, &EnrichedRelationshipElement{
				PeerID:    e.Key.PeerID,
				Action:    e.Action,
				ChangedAt: e.ChangedAt(),
				Conflict:  c,
			})
		}
	}
}

func attributeOf(e *ElementDiff, c *Conflict) *EnrichedAttribute {
	a := &EnrichedAttribute{
		Name:      e.Key.FieldName,
		Action:    e.Action,
		ChangedAt: e.ChangedAt(),
		Conflict:  c,
	}
	prev := activeOrNil(e.Previous)
	fin := activeOrNil(e.Final)
	if prev != nil {
		a.Previous, _ = prev.Decode()
	}
	if fin != nil {
		a.New, _ = fin.Decode()
	}
	a.Properties = propertyChanges(prev, fin)
	return a
}

func activeOrNil(c *graph.Change) *graph.Change {
	if c == nil || !c.IsActive() {
		return nil
	}
	return c
}

func propertyChanges(prev, fin *graph.Change) []PropertyChange {
	var p, f graph.Change
	if prev != nil {
		p = *prev
	}
	if fin != nil {
		f = *fin
	}
	var out []PropertyChange
	if p.IsProtected != f.IsProtected {
		out = append(out, PropertyChange{
			Name:     "is_protected",
			Previous: strconv.FormatBool(p.IsProtected),
			New:      strconv.FormatBool(f.IsProtected),
		})
	}
	if p.OwnerID != f.OwnerID {
		out = append(out, PropertyChange{Name: "owner", Previous: p.OwnerID, New: f.OwnerID})
	}
	if p.SourceID != f.SourceID {
		out = append(out, PropertyChange{Name: "source", Previous: p.SourceID, New: f.SourceID})
	}
	return out
}

// mergeIncremental overlays delta, computed over (previous.ToTime, now] and
// measured from the same start, on top of previous.
func mergeIncremental(previous, delta *EnrichedDiffs) *EnrichedDiffs {
	merged := &EnrichedDiffs{
		Base:   overlay(previous.Base, delta.Base),
		Branch: overlay(previous.Branch, delta.Branch),
	}
	merged.Base.PartnerUUID, merged.Branch.PartnerUUID = merged.Branch.UUID, merged.Base.UUID

	selected := make(map[string]string)
	for _, c := range previous.Branch.Conflicts {
		if c.Selected != "" {
			selected[c.Path] = c.Selected
		}
	}
	merged.Branch.Conflicts = DetectConflicts(merged.Base.Elements, merged.Branch.Elements)
	for _, c := range merged.Branch.Conflicts {
		c.Selected = selected[c.Path]
	}
	merged.Enrich()
	return merged
}

func overlay(previous, delta *EnrichedDiffRoot) *EnrichedDiffRoot {
	byKey := make(map[graph.ElementKey]*ElementDiff, len(previous.Elements)+len(delta.Elements))
	for _, e := range previous.Elements {
		byKey[e.Key] = e
	}
	for _, e := range delta.Elements {
		if e.Action == ActionUnchanged {
			delete(byKey, e.Key)
			continue
		}
		byKey[e.Key] = e
	}

	out := &EnrichedDiffRoot{
		UUID:       delta.UUID,
		BaseBranch: previous.BaseBranch,
		DiffBranch: previous.DiffBranch,
		FromTime:   previous.FromTime,
		ToTime:     delta.ToTime,
		TrackingID: previous.TrackingID,
		Elements:   make([]*ElementDiff, 0, len(byKey)),
	}
	for _, e := range byKey {
		out.Elements = append(out.Elements, e)
	}
	sortElements(out.Elements)
	return out
}
