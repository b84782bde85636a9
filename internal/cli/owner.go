package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orrn/kiosk/internal/api/middleware"
	"github.com/orrn/kiosk/internal/db"
)

func NewOwnerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owner access to the kiosk",
	}

	cmd.AddCommand(newOwnerResetCommand(rootOpts))

	return cmd
}

func newOwnerResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the owner password and end every owner session",
		Long: `Clear the stored owner password and session signing key so the next visit
to /owner/setup can choose a new password. Restart a running agent afterwards;
it keeps accepting old sessions until it reloads the signing key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			store, err := db.Open(cfg.Database.Path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer store.Close()

			ctx := commandContext(cmd)
			for _, key := range []string{middleware.KeyOwnerPassword, middleware.KeySigningKey} {
				if err := store.Settings.DeleteSetting(ctx, key); err != nil {
					return WrapExitError(ExitFailure, "failed to reset owner access", err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Owner access reset. Choose a new password at /owner/setup.")
			return nil
		},
	}
}
