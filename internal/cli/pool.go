package cli

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/app"
	"github.com/tjfontaine/genflow/internal/config"
	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/pool"
)

// withStore opens the configured storage for the duration of fn.
func withStore(load loader, fn func(ctx context.Context, cfg *config.Config, store app.Store) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(context.Background(), cfg, store)
}

func newManager(cfg *config.Config, store app.Store) (*pool.Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return pool.NewManager(store, pool.Limits{
		PerMinute: cfg.Pool.MinuteLimit,
		PerDay:    cfg.Pool.DailyLimit,
		Lifetime:  cfg.Pool.LifetimeLimit,
	}, pool.WithLocation(loc), pool.WithLogger(slog.Default())), nil
}

func newPoolCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage pooled credentials",
	}
	cmd.AddCommand(
		newPoolListCmd(load),
		newPoolAddCmd(load),
		newPoolActiveCmd(load, "enable", true),
		newPoolActiveCmd(load, "disable", false),
	)
	return cmd
}

func newPoolListCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials with their usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				mgr, err := newManager(cfg, store)
				if err != nil {
					return err
				}
				creds, err := mgr.List(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tLABEL\tTOKEN\tACTIVE\tPRIORITY\tTODAY\tLIFETIME\tSTATUS")
				for _, c := range creds {
					status := "available"
					ok, reason, err := mgr.CheckAvailability(ctx, c.ID)
					if err != nil {
						return err
					}
					if !ok {
						status = string(reason)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
						c.ID, c.Label, c.MaskedToken(), c.Active, c.Priority, c.DailyUsage, c.LifetimeUsage, status)
				}
				return w.Flush()
			})
		},
	}
}

func newPoolAddCmd(load loader) *cobra.Command {
	var label string
	var priority int

	cmd := &cobra.Command{
		Use:   "add <id> <token>",
		Short: "Add a credential to the pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				mgr, err := newManager(cfg, store)
				if err != nil {
					return err
				}
				cred := &domain.Credential{ID: args[0], Token: args[1], Label: label, Priority: priority, Active: true}
				if err := mgr.Add(ctx, cred); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", cred.ID, cred.MaskedToken())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label")
	cmd.Flags().IntVar(&priority, "priority", 0, "Selection priority, higher first")
	return cmd
}

func newPoolActiveCmd(load loader, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("%s a credential", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, store app.Store) error {
				mgr, err := newManager(cfg, store)
				if err != nil {
					return err
				}
				if err := mgr.SetActive(ctx, args[0], active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, args[0])
				return nil
			})
		},
	}
}
