// Package cli holds the genflow command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/config"
)

var Version = "dev"

func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "genflow",
		Short: "Guided image-generation wizard",
		Long: "genflow walks users through a configurable questionnaire, assembles a prompt from the answers " +
			"and dispatches it to a remote image service over a pool of rate-limited credentials.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default config.yaml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newPoolCmd(load),
		newBalanceCmd(load),
		newFlowCmd(load),
		newKeyCmd(),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("genflow %s\n", Version))

	return root
}

// loader defers reading the config until a command runs, so flags are
// parsed first.
type loader func() (*config.Config, error)

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
