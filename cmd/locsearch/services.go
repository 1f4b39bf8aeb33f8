package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renderinc/locsearch/internal/search"
)

var (
	servicesTags         string
	servicesPage         string
	servicesPerPage      string
	servicesFoodAndCovid bool
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Search services by tag",
	Long: `Search the service index. Only tags are matched, with typos tolerated;
without --tags every service is listed.

Examples:
  locsearch services --tags food
  locsearch services --tags housing --page 2 --per-page 10
  locsearch services --food-and-covid`,
	Args: cobra.NoArgs,
	RunE: runServices,
}

func init() {
	rootCmd.AddCommand(servicesCmd)

	servicesCmd.Flags().StringVarP(&servicesTags, "tags", "t", "", "Tag text, typos tolerated")
	servicesCmd.Flags().StringVarP(&servicesPage, "page", "p", "", "Page number")
	servicesCmd.Flags().StringVar(&servicesPerPage, "per-page", "", "Results per page")
	servicesCmd.Flags().BoolVar(&servicesFoodAndCovid, "food-and-covid", false, "List services tagged food, then those tagged covid-19")
	servicesCmd.MarkFlagsMutuallyExclusive("food-and-covid", "tags")
}

func runServices(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if servicesFoodAndCovid {
		services, err := a.searcher.FoodAndCovid(cmd.Context())
		if err != nil {
			return err
		}
		if err := enc.Encode(services); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		return nil
	}

	res, err := a.searcher.SearchServices(cmd.Context(), &search.ServiceRequest{
		Tags:    servicesTags,
		Page:    servicesPage,
		PerPage: servicesPerPage,
	})
	if err != nil {
		return err
	}

	if err := enc.Encode(res.Services); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d total, page %d (%d per page)\n", res.Total, res.Page, res.PerPage)
	return nil
}
