package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderinc/locsearch/internal/reindex"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex [location-id...]",
	Short: "Re-project locations into the index",
	Long: `Re-project the given locations. Without arguments the whole index is
rebuilt from the database and documents of deleted locations are dropped.`,
	RunE: runReindex,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load locations from a JSON file and rebuild the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(importCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid location id %q", arg)
		}
		ids = append(ids, id)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(ids) == 0 {
		stats, err := a.reindexer.RebuildAll(cmd.Context())
		if err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), stats)
		return nil
	}

	for _, id := range ids {
		if err := a.reindexer.ProjectAndUpsert(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reindexed location %d\n", id)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.db.ImportFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d locations\n", len(ids))

	stats, err := a.reindexer.RebuildAll(cmd.Context())
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), stats)
	return nil
}

func printStats(w io.Writer, stats *reindex.Stats) {
	fmt.Fprintf(w, "Locations: %d\n", stats.Total)
	fmt.Fprintf(w, "Indexed:   %d\n", stats.Indexed)
	fmt.Fprintf(w, "Skipped:   %d\n", stats.Skipped)
	fmt.Fprintf(w, "Failed:    %d\n", len(stats.Failures))
	for _, f := range stats.Failures {
		fmt.Fprintf(w, "  location %d: %v\n", f.LocationID, f.Err)
	}
	fmt.Fprintf(w, "Duration:  %v\n", stats.Duration.Round(time.Millisecond))
}
