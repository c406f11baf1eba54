package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/genflow/internal/app"
	"github.com/tjfontaine/genflow/internal/telemetry"
)

func newServeCmd(load loader) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wizard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger := slog.Default()

			shutdown, err := telemetry.InitTracer(cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override server.port")
	return cmd
}
