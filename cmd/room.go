package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sync-service/internal/application"
)

var roomCmd = &cobra.Command{
	Use:   "room [code]",
	Short: "Print a room as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoom,
}

func runRoom(cmd *cobra.Command, args []string) error {
	return withApp(func(app *application.App, _ *zap.Logger) error {
		v, err := app.Room(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}
