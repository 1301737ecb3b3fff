// Package diff computes, stores and serves enriched diffs between a branch
// and its base over a time window, including conflicts.
package diff

import (
	"sort"
	"time"

	"github.com/emergent-company/branchgraph/domain/graph"
)

// Action is how an element or node differs between the start and the end of
// a window.
type Action string

const (
	ActionAdded     Action = "ADDED"
	ActionRemoved   Action = "REMOVED"
	ActionUpdated   Action = "UPDATED"
	ActionUnchanged Action = "UNCHANGED"
)

// TrackingID names the tracked diff of a branch.
func TrackingID(branchName string) string {
	return "branch:" + branchName
}

// ElementDiff is the raw difference of one element on one side. Previous is
// the visible change at the window start, Final the last change in the
// window.
type ElementDiff struct {
	Key      graph.ElementKey `json:"key"`
	Kind     string           `json:"kind"`
	Action   Action           `json:"action"`
	Previous *graph.Change    `json:"previous,omitempty"`
	Final    *graph.Change    `json:"final"`
}

// ChangedAt returns when the element last changed in the window.
func (e *ElementDiff) ChangedAt() time.Time {
	return e.Final.ChangedAt.Time()
}

// Conflict is an element changed on both sides to different final states.
type Conflict struct {
	UUID         string           `json:"uuid"`
	Path         string           `json:"path"`
	Key          graph.ElementKey `json:"key"`
	Kind         string           `json:"kind"`
	BaseAction   Action           `json:"base_action"`
	BaseValue    string           `json:"base_value,omitempty"`
	BranchAction Action           `json:"branch_action"`
	BranchValue  string           `json:"branch_value,omitempty"`
	// Selected records a resolution choice ("base" or "branch"), if any.
	Selected string `json:"selected,omitempty"`
}

// PropertyChange is a changed attribute property (is_protected, owner, source).
type PropertyChange struct {
	Name     string `json:"name"`
	Previous string `json:"previous,omitempty"`
	New      string `json:"new,omitempty"`
}

// EnrichedAttribute is one changed attribute of a node.
type EnrichedAttribute struct {
	Name       string           `json:"name"`
	Action     Action           `json:"action"`
	Previous   any              `json:"previous,omitempty"`
	New        any              `json:"new,omitempty"`
	ChangedAt  time.Time        `json:"changed_at"`
	Properties []PropertyChange `json:"properties,omitempty"`
	Conflict   *Conflict        `json:"conflict,omitempty"`
}

// EnrichedRelationshipElement is one added or removed peer.
type EnrichedRelationshipElement struct {
	PeerID    string    `json:"peer_id"`
	Action    Action    `json:"action"`
	ChangedAt time.Time `json:"changed_at"`
	Conflict  *Conflict `json:"conflict,omitempty"`
}

// EnrichedRelationship groups the changed peers of one relationship.
type EnrichedRelationship struct {
	Name     string                         `json:"name"`
	Elements []*EnrichedRelationshipElement `json:"elements"`
}

// Added returns the added peer ids.
func (r *EnrichedRelationship) Added() []string { return r.peers(ActionAdded) }

// Removed returns the removed peer ids.
func (r *EnrichedRelationship) Removed() []string { return r.peers(ActionRemoved) }

func (r *EnrichedRelationship) peers(a Action) []string {
	var out []string
	for _, e := range r.Elements {
		if e.Action == a {
			out = append(out, e.PeerID)
		}
	}
	return out
}

// EnrichedNode is the diff of one node.
type EnrichedNode struct {
	UUID          string                  `json:"uuid"`
	Kind          string                  `json:"kind"`
	Action        Action                  `json:"action"`
	ChangedAt     time.Time               `json:"changed_at"`
	Attributes    []*EnrichedAttribute    `json:"attributes,omitempty"`
	Relationships []*EnrichedRelationship `json:"relationships,omitempty"`
	Conflict      *Conflict               `json:"conflict,omitempty"`
}

// Attribute returns the changed attribute called name, or nil.
func (n *EnrichedNode) Attribute(name string) *EnrichedAttribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Relationship returns the changed relationship called name, or nil.
func (n *EnrichedNode) Relationship(name string) *EnrichedRelationship {
	for _, r := range n.Relationships {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// EnrichedDiffRoot is one side of a diff: the changes of DiffBranch in
// (FromTime, ToTime] as seen against BaseBranch.
type EnrichedDiffRoot struct {
	UUID        string    `json:"uuid"`
	PartnerUUID string    `json:"partner_uuid"`
	BaseBranch  string    `json:"base_branch"`
	DiffBranch  string    `json:"diff_branch"`
	FromTime    time.Time `json:"from_time"`
	ToTime      time.Time `json:"to_time"`
	TrackingID  string    `json:"tracking_id,omitempty"`

	Elements  []*ElementDiff  `json:"elements"`
	Conflicts []*Conflict     `json:"conflicts,omitempty"`
	Nodes     []*EnrichedNode `json:"-"`
}

// Node returns the diff of node id, or nil.
func (r *EnrichedDiffRoot) Node(id string) *EnrichedNode {
	for _, n := range r.Nodes {
		if n.UUID == id {
			return n
		}
	}
	return nil
}

// IsEmpty reports whether nothing changed on this side.
func (r *EnrichedDiffRoot) IsEmpty() bool { return len(r.Elements) == 0 }

// FieldSummaries returns, per changed node, the changed field names.
func (r *EnrichedDiffRoot) FieldSummaries() []NodeFieldSummary {
	out := make([]NodeFieldSummary, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		s := NodeFieldSummary{NodeUUID: n.UUID, Kind: n.Kind, Action: n.Action}
		for _, a := range n.Attributes {
			s.Attributes = append(s.Attributes, a.Name)
		}
		for _, rel := range n.Relationships {
			s.Relationships = append(s.Relationships, rel.Name)
		}
		out = append(out, s)
	}
	return out
}

// NodeFieldSummary lists the changed fields of one node without values.
type NodeFieldSummary struct {
	NodeUUID      string   `json:"node_uuid"`
	Kind          string   `json:"kind"`
	Action        Action   `json:"action"`
	Attributes    []string `json:"attributes,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
}

// EnrichedDiffs pairs the base side and the branch side of one diff.
// Conflicts live on the branch side.
type EnrichedDiffs struct {
	Base   *EnrichedDiffRoot `json:"base"`
	Branch *EnrichedDiffRoot `json:"branch"`
}

// Conflicts returns every conflict of the pair.
func (d *EnrichedDiffs) Conflicts() []*Conflict {
	return d.Branch.Conflicts
}

// HasConflicts reports whether the diff blocks merge and rebase.
func (d *EnrichedDiffs) HasConflicts() bool { return len(d.Branch.Conflicts) > 0 }

// ConflictPaths returns the sorted conflict paths.
func (d *EnrichedDiffs) ConflictPaths() []string {
	paths := make([]string, 0, len(d.Branch.Conflicts))
	for _, c := range d.Branch.Conflicts {
		paths = append(paths, c.Path)
	}
	sort.Strings(paths)
	return paths
}
