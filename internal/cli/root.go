// Package cli implements the dukanx command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/internal/app"
	"github.com/dukanx/backend/internal/config"
	"github.com/dukanx/backend/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Output     string // "text" | "json" | "yaml"

	appOptions []app.Option
}

// ValidOutputs defines the allowed output formats.
var ValidOutputs = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(version)
}

func newRootCommand(version string, appOpts ...app.Option) *cobra.Command {
	opts := &RootOptions{appOptions: appOpts}

	cmd := &cobra.Command{
		Use:           "dukanx",
		Short:         "DukanX offline-first billing sync",
		Long:          "Runs and inspects the local sync queue that replicates billing data to the remote store.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidOutput(opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, ValidOutputs)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewEncryptTokenCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func isValidOutput(format string) bool {
	for _, f := range ValidOutputs {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// openApp wires the application for a one-shot command. The poll loop is
// never started and logs go to stderr so they never mix with output.
func (o *RootOptions) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, logging.LevelWarn)
	cfg.Sync.AutoStart = false
	return app.Build(ctx, cfg, o.appOptions...)
}
