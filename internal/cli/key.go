package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/server"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Driver API key helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash <api-key>",
		Short: "Print the SHA-256 hash of a driver API key",
		Long:  "Print the SHA-256 hash of a driver API key for server.api_key_hashes in config.yaml.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := server.HashAPIKey(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, hash)
			fmt.Fprintf(out, "\nAdd this to config.yaml:\n  server:\n    api_key_hashes:\n      - %q\n", hash)
			return nil
		},
	})
	return cmd
}
