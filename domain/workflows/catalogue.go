// Package workflows exposes the triggered branch operations (create, rebase,
// merge, delete, validate, schema load) as flows, as queued jobs and over
// HTTP.
package workflows

import (
	"time"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
)

// Job names of the workflow catalogue.
const (
	JobBranchCreate       = "branch-create"
	JobBranchRebase       = "branch-rebase"
	JobBranchMerge        = "branch-merge"
	JobBranchDelete       = "branch-delete"
	JobBranchValidate     = "branch-validate"
	JobSchemaLoad         = "schema-load"
	JobDiffUpdate         = "diff-update"
	JobIPAMReconciliation = "ipam-reconciliation"
)

// Catalogue lists every job name the dispatcher handles.
var Catalogue = []string{
	JobBranchCreate,
	JobBranchRebase,
	JobBranchMerge,
	JobBranchDelete,
	JobBranchValidate,
	JobSchemaLoad,
	JobDiffUpdate,
	JobIPAMReconciliation,
}

// BranchPayload names the branch a job operates on.
type BranchPayload struct {
	Branch string `json:"branch"`
}

// CreatePayload is the input of a branch-create job. A zero At forks the
// branch at the time the job runs.
type CreatePayload struct {
	branch.CreateRequest
	At time.Time `json:"at"`
}

// SchemaLoadPayload carries a YAML schema document for a branch.
type SchemaLoadPayload struct {
	Branch string `json:"branch"`
	YAML   string `json:"yaml"`
}

// IPAMPayload is the input of an ipam-reconciliation job.
type IPAMPayload struct {
	Branch string                 `json:"branch"`
	Nodes  []diff.IPAMNodeDetails `json:"ipam_node_details"`
}

func dedupKey(job, branchName string) string {
	return job + ":" + branchName
}
