package migrate

import (
	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/proposedchange"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/jobs"
)

// AllTables collects the models and indexes of every package that owns a
// table.
func AllTables() Tables {
	var t Tables
	for _, owner := range []func() ([]any, []database.Index){
		branch.Tables,
		schema.Tables,
		graph.Tables,
		diff.Tables,
		lock.Tables,
		jobs.Tables,
		proposedchange.Tables,
	} {
		models, indexes := owner()
		t.Models = append(t.Models, models...)
		t.Indexes = append(t.Indexes, indexes...)
	}
	return t
}
