package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/app"
	"github.com/tjfontaine/genflow/internal/config"
	"github.com/tjfontaine/genflow/internal/core/domain"
)

func newBalanceCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Inspect and top up user balances",
	}

	show := &cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				balance, err := store.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], balance)
				return nil
			})
		},
	}

	var note string
	credit := &cobra.Command{
		Use:   "credit <user> <amount>",
		Short: "Add funds to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := domain.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				balance, err := store.Credit(ctx, args[0], amount, note)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], balance)
				return nil
			})
		},
	}
	credit.Flags().StringVar(&note, "note", "manual top-up", "Ledger note")

	cmd.AddCommand(show, credit)
	return cmd
}
