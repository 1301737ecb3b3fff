// Package graph is the temporal graph store and the schema-driven node layer
// on top of it.
//
// Every change to an element (node existence, one attribute value, one
// relationship peer) is an append-only row in graph_changes. A branch sees
// trunk rows up to its visible trunk time overlaid with its own rows.
package graph

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// ElementType is what a change row describes.
type ElementType string

const (
	ElementNode         ElementType = "node"
	ElementAttribute    ElementType = "attribute"
	ElementRelationship ElementType = "relationship"
)

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Change is one row of graph_changes.
type Change struct {
	bun.BaseModel `bun:"table:graph_changes,alias:gc"`

	ID          string           `bun:"id,pk" json:"id"`
	Branch      string           `bun:"branch,notnull" json:"branch"`
	NodeID      string           `bun:"node_id,notnull" json:"node_id"`
	Kind        string           `bun:"kind,notnull" json:"kind"`
	ElementType ElementType      `bun:"element_type,notnull" json:"element_type"`
	FieldName   string           `bun:"field_name,notnull" json:"field_name,omitempty"`
	PeerID      string           `bun:"peer_id,notnull" json:"peer_id,omitempty"`
	Value       string           `bun:"value,type:text" json:"value,omitempty"`
	IsProtected bool             `bun:"is_protected,notnull" json:"is_protected,omitempty"`
	OwnerID     string           `bun:"owner_id" json:"owner_id,omitempty"`
	SourceID    string           `bun:"source_id" json:"source_id,omitempty"`
	Status      string           `bun:"status,notnull" json:"status"`
	ChangedAt   timestamp.Micros `bun:"changed_at,type:bigint,notnull" json:"changed_at"`
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*Change)(nil)}, []database.Index{
		{Model: (*Change)(nil), Name: "graph_changes_branch_time_idx", Columns: []string{"branch", "changed_at"}},
		{Model: (*Change)(nil), Name: "graph_changes_node_idx", Columns: []string{"node_id"}},
		{Model: (*Change)(nil), Name: "graph_changes_peer_idx", Columns: []string{"peer_id"}},
	}
}

// ElementKey identifies one element across branches and time.
type ElementKey struct {
	NodeID      string      `json:"node_id"`
	ElementType ElementType `json:"element_type"`
	FieldName   string      `json:"field_name,omitempty"`
	PeerID      string      `json:"peer_id,omitempty"`
}

// Path renders the key as node[/field[/peer]].
func (k ElementKey) Path() string {
	p := k.NodeID
	if k.FieldName != "" {
		p += "/" + k.FieldName
	}
	if k.PeerID != "" {
		p += "/" + k.PeerID
	}
	return p
}

// Key returns the element the change applies to.
func (c *Change) Key() ElementKey {
	return ElementKey{NodeID: c.NodeID, ElementType: c.ElementType, FieldName: c.FieldName, PeerID: c.PeerID}
}

// IsActive reports whether the element exists after this change.
func (c *Change) IsActive() bool { return c.Status == StatusActive }

// Decode returns the JSON-decoded attribute value.
func (c *Change) Decode() (any, error) {
	if c.Value == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(c.Value), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SameState reports whether two changes leave the element in the same state.
// A missing change counts as deleted.
func SameState(a, b *Change) bool {
	aActive := a != nil && a.IsActive()
	bActive := b != nil && b.IsActive()
	if aActive != bActive {
		return false
	}
	if !aActive {
		return true
	}
	return a.Value == b.Value && a.IsProtected == b.IsProtected &&
		a.OwnerID == b.OwnerID && a.SourceID == b.SourceID
}

// EncodeValue renders v the way Change.Value stores it.
func EncodeValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// View selects the rows visible to a branch: Trunk rows up to TrunkAt
// overlaid with Branch rows up to At.
type View struct {
	Branch  string
	Trunk   string
	TrunkAt time.Time
	At      time.Time
}

// IsTrunk reports whether the view reads a single branch.
func (v View) IsTrunk() bool { return v.Branch == v.Trunk }

// ViewOf returns the view of b at at.
func ViewOf(b *branch.Branch, trunk string, at time.Time) View {
	if b.IsTrunk() {
		trunk = b.Name
	}
	return View{Branch: b.Name, Trunk: trunk, TrunkAt: b.VisibleTrunkTime(at), At: at}
}

// State is the latest visible change per element.
type State map[ElementKey]*Change

// Active returns the change for key if the element exists.
func (s State) Active(key ElementKey) (*Change, bool) {
	c, ok := s[key]
	if !ok || !c.IsActive() {
		return nil, false
	}
	return c, true
}

// NodeIDs returns the ids of active nodes.
func (s State) NodeIDs() []string {
	var ids []string
	for k, c := range s {
		if k.ElementType == ElementNode && c.IsActive() {
			ids = append(ids, k.NodeID)
		}
	}
	return ids
}
