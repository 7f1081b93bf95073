package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/internal/app"
	"github.com/dukanx/backend/internal/crypto"
	apperrors "github.com/dukanx/backend/internal/errors"
)

// NewEncryptTokenCommand creates the encrypt-token command.
func NewEncryptTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var store bool
	cmd := &cobra.Command{
		Use:   "encrypt-token [token]",
		Short: "Encrypt the HTTP remote bearer token for this machine",
		Long: `Encrypt a bearer token with a key bound to this machine. Without --store
the ciphertext is printed for remote.http.token_encrypted. With --store it
is written to the credential store under the data directory.

The token is read from the argument or, when absent, from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return apperrors.Wrap(apperrors.ErrInvalid, "read token", err)
				}
				token = strings.TrimSpace(line)
			}

			machineID := crypto.MachineID(cfg.Remote.HTTP.MachineID)
			if store {
				if err := crypto.NewCredentialStore(cfg.DataDir, machineID).Store(app.HTTPTokenAccount, token); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Token stored for %s\n", app.HTTPTokenAccount)
				return nil
			}

			enc, err := crypto.EncryptToken(token, machineID)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", enc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&store, "store", false, "write to the credential store instead of printing")
	return cmd
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
