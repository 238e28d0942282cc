package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"buildrelay/internal/storage"
	"buildrelay/internal/storage/models"
)

var (
	buildsJob   string
	buildsLimit int
	buildsStats bool
)

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "List stored build records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		records, err := store.ListBuildRecords(context.Background(), storage.RecordFilter{JobName: buildsJob, Limit: buildsLimit})
		if err != nil {
			return err
		}

		if buildsStats {
			printStats(cmd.OutOrStdout(), storage.ComputeStats(records, time.Now()))
			return nil
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	buildsCmd.Flags().StringVar(&buildsJob, "job", "", "Only show builds of this job")
	buildsCmd.Flags().IntVar(&buildsLimit, "limit", 20, "Maximum number of builds")
	buildsCmd.Flags().BoolVar(&buildsStats, "stats", false, "Print statistics instead of the list")
}

func printRecords(w io.Writer, records []models.BuildRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tBUILD\tSTATUS\tDURATION\tCATEGORY\tCOMPLETED")
	for _, rec := range records {
		category := rec.FailureCategory
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			rec.JobName,
			rec.BuildNumber,
			rec.Status,
			rec.Duration().Round(time.Second),
			category,
			rec.CompletedAt.Local().Format(time.DateTime),
		)
	}
	tw.Flush()
}

func printStats(w io.Writer, stats models.BuildStats) {
	fmt.Fprintf(w, "Builds:           %d (%d today)\n", stats.TotalBuilds, stats.BuildsToday)
	fmt.Fprintf(w, "Success rate:     %.1f%%\n", stats.SuccessRate)
	fmt.Fprintf(w, "Failure rate:     %.1f%%\n", stats.FailureRate)
	fmt.Fprintf(w, "Average duration: %s\n", (time.Duration(stats.AverageDurationMs) * time.Millisecond).Round(time.Second))
	for category, n := range stats.FailuresByCategory {
		fmt.Fprintf(w, "  %-14s %d\n", category, n)
	}
	if len(stats.BuildsTrend) > 0 {
		fmt.Fprintln(w, "Last days:")
		for i, day := range stats.BuildsTrend {
			fmt.Fprintf(w, "  %s  %3.0f builds  %5.1f%% success\n", day.Date, day.Value, stats.SuccessTrend[i].Value)
		}
	}
}
