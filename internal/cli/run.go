package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/internal/app"
	"github.com/dukanx/backend/internal/logging"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Start the sync manager and the connectivity scheduler, then block
until SIGINT or SIGTERM. Pending entries are replicated in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if err := app.InitLogging(cfg.Log); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, rootOpts.appOptions...)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Start(ctx)
			logging.Info("Sync engine running", map[string]interface{}{
				"remote": cfg.Remote.Kind,
			})
			<-ctx.Done()
			logging.Info("Shutting down sync engine")
			return nil
		},
	}
}
