package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/orrn/kiosk/internal/logging"
	"github.com/orrn/kiosk/internal/outbox"
	"github.com/orrn/kiosk/internal/remote"
)

// NewOutboxCommand groups the maintenance commands for the notification
// queue file. They operate on the file directly; while the agent is running
// use POST /owner/outbox/flush instead.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect or flush pending job status notifications",
	}

	cmd.AddCommand(newOutboxListCommand(rootOpts))
	cmd.AddCommand(newOutboxFlushCommand(rootOpts))

	return cmd
}

func newOutboxListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print pending notifications as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			client := remote.NewClient(cfg.Remote, cfg.Kiosk.ID, logging.Component(logger, "remote"))
			queue, err := openOutbox(cfg, client, logger)
			if err != nil {
				return err
			}

			pending := queue.Pending()
			if pending == nil {
				pending = []outbox.Record{}
			}
			return writeJSON(cmd, pending)
		},
	}
}

func newOutboxFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver pending notifications once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			client := remote.NewClient(cfg.Remote, cfg.Kiosk.ID, logging.Component(logger, "remote"))
			queue, err := openOutbox(cfg, client, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), ownerFlushTimeout)
			defer cancel()

			result, err := queue.Flush(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "flush failed", err)
			}
			if err := writeJSON(cmd, result); err != nil {
				return err
			}
			if result.Remaining > 0 {
				return NewExitError(ExitFailure, "notifications still pending")
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
