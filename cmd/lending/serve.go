package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and the scheduled overdue sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return application.Run()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark overdue loans once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer application.Shutdown()

		result, err := application.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Marked %d loans overdue (%d books busy, retried next sweep)\n", result.Marked, result.SkippedBooks)
		return nil
	},
}
