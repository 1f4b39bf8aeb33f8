package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compare database and index counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var docCmd = &cobra.Command{
	Use:   "doc <location-id>",
	Short: "Print the indexed document of a location",
	Args:  cobra.ExactArgs(1),
	RunE:  runDoc,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(docCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dbCount, err := a.db.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("count locations: %w", err)
	}
	indexCount, err := a.index.Count()
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	serviceCount, err := a.services.Count()
	if err != nil {
		return fmt.Errorf("count services: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Locations in database: %d\n", dbCount)
	fmt.Fprintf(out, "Documents in index:    %d\n", indexCount)
	fmt.Fprintf(out, "Services in index:     %d\n", serviceCount)
	if uint64(dbCount) != indexCount {
		fmt.Fprintln(out, "Index is out of sync, run: locsearch reindex")
	}
	return nil
}

func runDoc(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid location id %q", args[0])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.index.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("location %d is not indexed", id)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
