// Package events is the in-process bus for branch lifecycle events.
//
// Events carry identity only (branch names, ids, request id). Consumers
// re-derive anything else, such as diffs, from the stores.
package events

import "time"

// Type names a branch lifecycle event.
type Type string

const (
	BranchCreated   Type = "branch.created"
	BranchRebased   Type = "branch.rebased"
	BranchMerged    Type = "branch.merged"
	BranchDeleted   Type = "branch.deleted"
	RefreshRegistry Type = "registry.refresh"
)

// Event is one published event. Which fields are set depends on Type:
//
//	BranchCreated, BranchRebased  Branch
//	BranchMerged                  SourceBranch, TargetBranch
//	BranchDeleted                 Branch, BranchID, SyncWithGit
//	RefreshRegistry               Branch (optional, empty means every branch)
type Event struct {
	Type         Type   `json:"type"`
	Branch       string `json:"branch,omitempty"`
	BranchID     string `json:"branch_id,omitempty"`
	SourceBranch string `json:"source_branch,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
	SyncWithGit  bool   `json:"sync_with_git,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Branches returns the branch names the event refers to.
func (e Event) Branches() []string {
	var names []string
	for _, n := range []string{e.Branch, e.SourceBranch, e.TargetBranch} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

func stamp(e Event) Event {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return e
}
