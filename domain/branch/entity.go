// Package branch holds the Branch entity and its persistence.
package branch

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Status of a branch.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusMerged   Status = "MERGED"
	StatusDeleting Status = "DELETING"
)

// Hierarchy levels.
const (
	LevelTrunk = 1
	LevelUser  = 2
)

// Branch is one named line of graph and schema history in the branches table.
type Branch struct {
	bun.BaseModel `bun:"table:branches,alias:b"`

	ID             string           `bun:"id,pk" json:"id"`
	Name           string           `bun:"name,notnull,unique" json:"name"`
	Description    string           `bun:"description" json:"description,omitempty"`
	OriginBranch   string           `bun:"origin_branch" json:"origin_branch,omitempty"`
	HierarchyLevel int              `bun:"hierarchy_level,notnull" json:"hierarchy_level"`
	IsDefault      bool             `bun:"is_default,notnull" json:"is_default"`
	IsGlobal       bool             `bun:"is_global,notnull" json:"is_global"`
	IsIsolated     bool             `bun:"is_isolated,notnull" json:"is_isolated"`
	SyncWithGit    bool             `bun:"sync_with_git,notnull" json:"sync_with_git"`
	Status         Status           `bun:"status,notnull" json:"status"`
	BranchedFrom   timestamp.Micros `bun:"branched_from,type:bigint,notnull" json:"-"`
	CreatedAt      timestamp.Micros `bun:"created_at,type:bigint,notnull" json:"-"`

	SchemaHashMain     string `bun:"schema_hash_main" json:"-"`
	SchemaHashNodes    string `bun:"schema_hash_nodes" json:"-"`
	SchemaHashGenerics string `bun:"schema_hash_generics" json:"-"`
	SchemaHashProfiles string `bun:"schema_hash_profiles" json:"-"`
	// BranchPointHash is the main hash of the trunk schema the branch last
	// forked from or rebased onto.
	BranchPointHash string `bun:"branch_point_hash" json:"-"`
}

// IsTrunk reports whether b is the default or the global branch.
func (b *Branch) IsTrunk() bool {
	return b.IsDefault || b.IsGlobal
}

// SchemaHash returns the persisted schema hash.
func (b *Branch) SchemaHash() schema.Hash {
	return schema.Hash{
		Main:     b.SchemaHashMain,
		Nodes:    b.SchemaHashNodes,
		Generics: b.SchemaHashGenerics,
		Profiles: b.SchemaHashProfiles,
	}
}

// UpdateSchemaHash stores h and reports whether it differs from the previous
// value. A trunk branch keeps its branch point hash in step.
func (b *Branch) UpdateSchemaHash(h schema.Hash) bool {
	changed := b.SchemaHash() != h
	b.SchemaHashMain = h.Main
	b.SchemaHashNodes = h.Nodes
	b.SchemaHashGenerics = h.Generics
	b.SchemaHashProfiles = h.Profiles
	if b.IsTrunk() {
		b.BranchPointHash = h.Main
	}
	return changed
}

// HasSchemaChanges reports whether the branch schema drifted from the trunk
// schema it was forked from.
func (b *Branch) HasSchemaChanges() bool {
	if b.IsTrunk() {
		return false
	}
	return b.SchemaHashMain != b.BranchPointHash
}

// Rebase moves the divergence point to at. The caller records the new trunk
// hash once the schema has been reloaded.
func (b *Branch) Rebase(at time.Time) {
	b.BranchedFrom = timestamp.FromTime(at)
}

// BranchedFromTime returns the divergence point.
func (b *Branch) BranchedFromTime() time.Time {
	return b.BranchedFrom.Time()
}

// VisibleTrunkTime is the latest trunk instant a read at now may observe.
// Isolated branches stop at their divergence point.
func (b *Branch) VisibleTrunkTime(now time.Time) time.Time {
	if b.IsIsolated && !b.IsTrunk() {
		return b.BranchedFrom.Time()
	}
	return now
}

// SchemaView returns the rows that make up this branch's schema at now.
func (b *Branch) SchemaView(trunk string, now time.Time) schema.View {
	return schema.View{
		Branch:  b.Name,
		Trunk:   trunk,
		TrunkAt: b.VisibleTrunkTime(now),
		At:      now,
	}
}

// Clone returns a copy of b.
func (b *Branch) Clone() *Branch {
	c := *b
	return &c
}
