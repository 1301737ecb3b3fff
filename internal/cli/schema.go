package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emergent-company/branchgraph/domain/schema"
)

func newSchemaCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Load and export branch schemas",
	}
	cmd.AddCommand(newSchemaLoadCommand(opts), newSchemaExportCommand(opts))
	return cmd
}

func newSchemaLoadCommand(opts *options) *cobra.Command {
	var branchName string
	cmd := &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Load schema definitions from a YAML file into a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			defs, err := schema.ParseYAML(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				name := branchName
				if name == "" {
					name = rt.Registry.DefaultBranch()
				}
				res, err := rt.Flows.LoadSchema(ctx, name, defs)
				if err != nil {
					return err
				}
				return render(opts.out, opts.output, res)
			})
		},
	}
	cmd.Flags().StringVarP(&branchName, "branch", "b", "", "target branch (defaults to the default branch)")
	return cmd
}

func newSchemaExportCommand(opts *options) *cobra.Command {
	var branchName string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the schema of a branch as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				name := branchName
				if name == "" {
					name = rt.Registry.DefaultBranch()
				}
				p, err := rt.Registry.Schema(name)
				if err != nil {
					return err
				}
				data, err := schema.MarshalYAML(p.Source())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&branchName, "branch", "b", "", "branch to export (defaults to the default branch)")
	return cmd
}
