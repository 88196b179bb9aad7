package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sync-service",
	Short: "Sync service: rooms, host-driven playback sync over WebSocket",
	Long:  `HTTP + WebSocket API. Commands: serve, sweep, room, watch.`,
	RunE:  runServe, // default: same as "sync-service serve"
	// Errors are logged by main.
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(roomCmd)
	rootCmd.AddCommand(watchCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
