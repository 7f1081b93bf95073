package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/uuid"
)

// NewDeadLettersCommand creates the dead-letters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect, requeue and export dead-lettered entries",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersRequeueCommand(rootOpts))
	cmd.AddCommand(newDeadLettersExportCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Manager.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*models.SyncQueueEntry{}
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, entries, func(w io.Writer) error {
				if len(entries) == 0 {
					printf(w, "No dead letters\n")
					return nil
				}
				for _, e := range entries {
					lastErr := ""
					if e.LastError != nil {
						lastErr = *e.LastError
					}
					printf(w, "%s  %-7s %s  attempts=%d  updated=%s  %s\n",
						e.ID, e.OperationType, e.Key(), e.AttemptCount,
						e.UpdatedAt.Format(time.RFC3339), lastErr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries (0 for all)")
	return cmd
}

func newDeadLettersRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Requeue dead letters as fresh pending entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := uuid.Validate(id); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "dead letter id", err)
				}
			}
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			requeued := make(map[string]string, len(args))
			for _, id := range args {
				fresh, err := a.Manager.Requeue(cmd.Context(), models.UUID(id))
				if err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				requeued[id] = fresh.String()
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, requeued, func(w io.Writer) error {
				for _, id := range args {
					printf(w, "%s -> %s\n", id, requeued[id])
				}
				return nil
			})
		},
	}
}

func newDeadLettersExportCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export dead letters to the configured archive",
		Long: `Write dead letters as one snappy-compressed JSON Lines object. The
object key contains the content hash, so repeating an export of unchanged
dead letters reports the existing object.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Archiver == nil {
				return apperrors.New(apperrors.ErrInvalid, "archive is disabled (archive.kind: none)")
			}
			m, err := a.Archiver.Export(cmd.Context(), a.Manager, limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, m, func(w io.Writer) error {
				switch {
				case m.Count == 0:
					printf(w, "No dead letters to export\n")
				case m.Existing:
					printf(w, "Already exported: %s (%d entries)\n", m.Key, m.Count)
				default:
					printf(w, "Exported %d entries to %s (%d bytes)\n", m.Count, m.Key, m.Bytes)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 for all)")
	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List server-wins conflict resolutions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			logs, err := a.Manager.ListConflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if logs == nil {
				logs = []*models.ConflictLog{}
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, logs, func(w io.Writer) error {
				for _, c := range logs {
					printf(w, "%s  %s/%s  local=%d remote=%d  %s\n",
						c.DetectedAt.Format(time.RFC3339), c.TargetCollection, c.DocumentID,
						c.LocalVersion, c.RemoteVersion, c.Resolution)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records (0 for all)")
	return cmd
}
