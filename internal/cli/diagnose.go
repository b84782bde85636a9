package cli

import (
	"github.com/spf13/cobra"

	"github.com/orrn/kiosk/internal/backend/cups"
	"github.com/orrn/kiosk/internal/logging"
)

func NewDiagnoseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check internet, local ports and printer",
		Long: `Run the same checks as GET /owner/health and print the report as JSON.
Exits non-zero when any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			backend := cups.New(cfg.Printer, cups.ExecRunner, logging.Component(logger, "cups"))
			report := newDiagnostics(cfg, backend.PrinterPresent).Run(commandContext(cmd))

			if err := writeJSON(cmd, report); err != nil {
				return err
			}

			if report.Status != "OK" {
				return NewExitError(ExitFailure, "diagnostics failed")
			}
			return nil
		},
	}
}
