// Package proposedchange stores review objects that propose merging a source
// branch into a destination branch.
package proposedchange

import (
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// State of a proposed change.
type State string

const (
	StateOpen     State = "open"
	StateMerged   State = "merged"
	StateClosed   State = "closed"
	StateCanceled State = "canceled"
)

// ProposedChange is a row of proposed_changes.
type ProposedChange struct {
	bun.BaseModel `bun:"table:proposed_changes,alias:pc"`

	ID                string           `bun:"id,pk" json:"id"`
	Name              string           `bun:"name,notnull" json:"name"`
	Description       string           `bun:"description" json:"description,omitempty"`
	SourceBranch      string           `bun:"source_branch,notnull" json:"source_branch"`
	DestinationBranch string           `bun:"destination_branch,notnull" json:"destination_branch"`
	State             State            `bun:"state,notnull" json:"state"`
	CreatedAt         timestamp.Micros `bun:"created_at,type:bigint,notnull" json:"-"`
	UpdatedAt         timestamp.Micros `bun:"updated_at,type:bigint,notnull" json:"-"`
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*ProposedChange)(nil)}, []database.Index{
		{Model: (*ProposedChange)(nil), Name: "proposed_changes_source_idx", Columns: []string{"source_branch", "state"}},
	}
}

// CreateRequest is the input of Repository.Create.
type CreateRequest struct {
	Name              string `json:"name" validate:"required,max=250"`
	Description       string `json:"description"`
	SourceBranch      string `json:"source_branch" validate:"required,branchname"`
	DestinationBranch string `json:"destination_branch" validate:"required,branchname,nefield=SourceBranch"`
}
