package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/adapters/flow/yamlfile"
	"github.com/tjfontaine/genflow/internal/app"
	"github.com/tjfontaine/genflow/internal/config"
)

func newFlowCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Validate and import flow definitions",
	}

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a flow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := yamlfile.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d steps, %d options, categories: %s\n",
				len(defs.Steps), len(defs.Options), strings.Join(defs.Categories(), ", "))
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Copy a flow definition file into storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := yamlfile.Parse(args[0])
			if err != nil {
				return err
			}
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				if err := defs.Import(ctx, store); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d steps and %d options\n", len(defs.Steps), len(defs.Options))
				return nil
			})
		},
	}

	cmd.AddCommand(check, imp)
	return cmd
}
