package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/internal/models"
	dsync "github.com/dukanx/backend/internal/sync"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Operation  string
	Collection string
	DocumentID string
	Payload    string
	UserID     string
	Version    int64
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a document write for replication",
		Long: `Queue one write. The payload is validated against the collection schema.

Examples:
  dukanx enqueue --collection products --id p-1 --version 1 --payload '{"name":"Atta","price":52}'
  dukanx enqueue --op delete --collection customers --id c-7 --version 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req := dsync.EnqueueRequest{
				OperationType:    models.OperationType(opts.Operation),
				TargetCollection: opts.Collection,
				DocumentID:       opts.DocumentID,
				UserID:           opts.UserID,
				LocalVersion:     opts.Version,
			}
			if opts.Payload != "" {
				req.Payload = json.RawMessage(opts.Payload)
			}
			id, err := a.Manager.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, map[string]string{"id": id.String()}, func(w io.Writer) error {
				printf(w, "%s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Operation, "op", string(models.OpUpdate), "operation (create|update|delete)")
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "target collection")
	cmd.Flags().StringVar(&opts.DocumentID, "id", "", "document id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "document JSON")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "owning business or user id")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "local document version")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}
