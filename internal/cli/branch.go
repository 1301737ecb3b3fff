package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emergent-company/branchgraph/domain/branch"
)

func newBranchCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "branch",
		Aliases: []string{"branches"},
		Short:   "Create, list, rebase, merge, validate and delete branches",
	}
	cmd.AddCommand(
		newBranchCreateCommand(opts),
		newBranchListCommand(opts),
		branchAction(opts, "rebase", "Rebase a branch onto the current state of its trunk",
			func(ctx context.Context, rt runtime, name string) (any, error) { return rt.Flows.RebaseBranch(ctx, name) }),
		branchAction(opts, "merge", "Merge a branch into its trunk",
			func(ctx context.Context, rt runtime, name string) (any, error) { return rt.Flows.MergeBranch(ctx, name) }),
		branchAction(opts, "validate", "Report the conflicts a merge would hit",
			func(ctx context.Context, rt runtime, name string) (any, error) { return rt.Flows.ValidateBranch(ctx, name) }),
		branchAction(opts, "diff", "Show the tracked diff of a branch",
			func(ctx context.Context, rt runtime, name string) (any, error) { return rt.Flows.GetDiff(ctx, name) }),
		branchAction(opts, "delete", "Delete a branch and its data",
			func(ctx context.Context, rt runtime, name string) (any, error) {
				if err := rt.Flows.DeleteBranch(ctx, name); err != nil {
					return nil, err
				}
				return map[string]string{"deleted": name}, nil
			}),
	)
	return cmd
}

func newBranchCreateCommand(opts *options) *cobra.Command {
	var (
		req      branch.CreateRequest
		isolated bool
		at       string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch from the default branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if cmd.Flags().Changed("isolated") {
				req.IsIsolated = &isolated
			}
			var branchedAt time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				branchedAt = t
			}
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				b, err := rt.Flows.CreateBranch(ctx, &req, branchedAt)
				if err != nil {
					return err
				}
				return render(opts.out, opts.output, b)
			})
		},
	}
	cmd.Flags().StringVar(&req.Description, "description", "", "branch description")
	cmd.Flags().StringVar(&req.Origin, "origin", "", "origin branch (defaults to the default branch)")
	cmd.Flags().BoolVar(&isolated, "isolated", true, "hide trunk changes made after the branch point")
	cmd.Flags().BoolVar(&req.SyncWithGit, "sync-with-git", false, "mirror the branch to git")
	cmd.Flags().StringVar(&at, "at", "", "branch point as RFC3339 (defaults to now)")
	return cmd
}

func newBranchListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				return render(opts.out, opts.output, rt.Registry.Branches())
			})
		},
	}
}

func branchAction(opts *options, use, short string, fn func(ctx context.Context, rt runtime, name string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				v, err := fn(ctx, rt, args[0])
				if err != nil {
					return err
				}
				return render(opts.out, opts.output, v)
			})
		},
	}
}
