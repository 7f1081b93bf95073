package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// PruneOptions holds prune flags.
type PruneOptions struct {
	*RootOptions
	Archive bool
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced and dead-lettered entries older than sync.retention",
		Long: `Delete synced and dead-lettered entries older than sync.retention.

With --archive, dead letters are exported to the configured archive first
(the same pass the maintenance loop runs on its schedule).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !opts.Archive {
				n, err := a.Manager.Prune(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, map[string]int{"pruned": n}, func(w io.Writer) error {
					printf(w, "Pruned %d entries\n", n)
					return nil
				})
			}

			report, err := a.Maintenance.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, report, func(w io.Writer) error {
				if report.Export != nil && report.Export.Count > 0 {
					printf(w, "Archived %d dead letters to %s\n", report.Export.Count, report.Export.Key)
				}
				printf(w, "Pruned %d entries\n", report.Pruned)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Archive, "archive", false, "export dead letters to the archive before pruning")
	return cmd
}
