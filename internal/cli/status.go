package cli

import (
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/internal/models"
	dsync "github.com/dukanx/backend/internal/sync"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue health",
		Long: `Show entry counts per state, the age of the oldest pending entry and
dead-letter and conflict totals.

Examples:
  dukanx status
  dukanx status -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.Manager.GetHealthMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, h, func(w io.Writer) error {
				printHealth(w, h)
				return nil
			})
		},
	}
}

func printHealth(w io.Writer, h *dsync.HealthMetrics) {
	printf(w, "Status:        %s\n", h.Status)
	states := make([]string, 0, len(h.Counts))
	for s := range h.Counts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		printf(w, "  %-12s %d\n", s, h.Counts[models.SyncState(s)])
	}
	if h.OldestPendingAge > 0 {
		printf(w, "Oldest pending: %s\n", h.OldestPendingAge.Round(time.Second))
	}
	printf(w, "Dead letters:  %d\n", h.DeadLetterCount)
	printf(w, "Conflicts:     %d\n", h.ConflictCount)
	if h.LastCycleError != "" {
		printf(w, "Last error:    %s\n", h.LastCycleError)
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain every eligible entry once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Manager.ForceSyncAll(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, res, func(w io.Writer) error {
				printf(w, "Attempted %d: %d synced, %d conflicts, %d retried, %d dead-lettered (%d cycles, %s)\n",
					res.Attempted, res.Synced, res.Conflicts, res.Retried, res.DeadLettered,
					res.Cycles, res.Duration.Round(time.Millisecond))
				if res.Remaining > 0 {
					printf(w, "%d entries still waiting behind earlier writes\n", res.Remaining)
				}
				return nil
			})
		},
	}
}
