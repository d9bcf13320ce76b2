package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lending/internal/app"
)

var application *app.App

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lending",
	Short: "Library loan lifecycle service",
	Long: `lending tracks book copies, loans and hold queues.

Configuration is read from the environment (and a .env file when present).
Run "lending serve" for the long running process with the overdue sweep
scheduler, or use the one-shot commands below.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		application, err = app.New()
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statsCmd)
}
