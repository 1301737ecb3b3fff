package events

import (
	"context"
	"errors"

	"github.com/emergent-company/branchgraph/domain/registry"
)

// branchEvents are the events that change what the registry holds.
var branchEvents = []Type{BranchCreated, BranchRebased, BranchMerged, BranchDeleted, RefreshRegistry}

// SubscribeRegistry reloads the branches named by every branch event into
// reg. A RefreshRegistry event without a branch reloads everything.
func SubscribeRegistry(s *Service, reg *registry.Registry) func() {
	return s.Subscribe("registry", func(ctx context.Context, e Event) error {
		if e.Type == RefreshRegistry && e.Branch == "" {
			return reg.Refresh(ctx)
		}
		var errs []error
		for _, name := range e.Branches() {
			errs = append(errs, reg.RefreshBranch(ctx, name))
		}
		return errors.Join(errs...)
	}, branchEvents...)
}
