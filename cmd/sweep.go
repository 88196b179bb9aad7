package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sync-service/internal/application"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one room expiry pass and exit",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withApp(func(app *application.App, logger *zap.Logger) error {
		rep, err := app.Sweep(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d idle=%d empty=%d\n",
			rep.Scanned, rep.Expired, rep.Idle, rep.Empty)
		return nil
	})
}
