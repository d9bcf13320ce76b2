package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	statsLimit int
	statsDays  int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View lending statistics from the ClickHouse history",
}

var statsTopBooksCmd = &cobra.Command{
	Use:   "top-books",
	Short: "View the most borrowed books",
	RunE:  runStatsTopBooks,
}

func init() {
	statsCmd.AddCommand(statsTopBooksCmd)

	statsCmd.PersistentFlags().IntVarP(&statsLimit, "limit", "l", 10, "Limit number of results")
	statsTopBooksCmd.Flags().IntVarP(&statsDays, "days", "d", 30, "Look back this many days")
}

func runStatsTopBooks(cmd *cobra.Command, args []string) error {
	defer application.Shutdown()

	history := application.History()
	if history == nil {
		return errors.New("statistics need the ClickHouse history, set CLICKHOUSE_HOST")
	}

	end := time.Now()
	start := end.AddDate(0, 0, -statsDays)
	stats, err := history.TopBorrowedBooks(cmd.Context(), statsLimit, start, end)
	if err != nil {
		return fmt.Errorf("failed to get top books: %w", err)
	}

	if len(stats) == 0 {
		cmd.Println("No loans recorded in this period.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tBOOK\tLOANS\tOVERDUE\tLAST LOAN")
	fmt.Fprintln(w, "────\t────\t─────\t───────\t─────────")
	for i, stat := range stats {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.0f%%\t%s\n",
			i+1,
			stat.BookID,
			stat.LoanCount,
			stat.OverdueRate*100,
			stat.LastLoanAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
