package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renderinc/locsearch/internal/search"
)

var (
	searchZipcode     string
	searchKeywords    string
	searchOrgName     string
	searchCategoryIDs []int64
	searchTags        string
	searchPage        string
	searchPerPage     string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the index",
	Long: `Search the index. Every flag is optional; with none the whole index is
listed in its default order.

Examples:
  locsearch search --keywords "food pantry"
  locsearch search --zipcode 94010 --category-ids 3,7
  locsearch search --tags covid-19 --page 2 --per-page 10`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchZipcode, "zipcode", "z", "", "Exact postal code")
	searchCmd.Flags().StringVarP(&searchKeywords, "keywords", "k", "", "Free text matched against names, descriptions and service keywords")
	searchCmd.Flags().StringVarP(&searchOrgName, "org-name", "o", "", "Organization name phrase")
	searchCmd.Flags().Int64SliceVar(&searchCategoryIDs, "category-ids", nil, "Category ids; a location in any of them matches")
	searchCmd.Flags().StringVarP(&searchTags, "tags", "t", "", "Tag text, typos tolerated")
	searchCmd.Flags().StringVarP(&searchPage, "page", "p", "", "Page number")
	searchCmd.Flags().StringVar(&searchPerPage, "per-page", "", "Results per page")
}

func runSearch(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.searcher.Search(cmd.Context(), &search.Request{
		Zipcode:     searchZipcode,
		Keywords:    searchKeywords,
		OrgName:     searchOrgName,
		CategoryIDs: searchCategoryIDs,
		Tags:        searchTags,
		Page:        searchPage,
		PerPage:     searchPerPage,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Documents); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d total, page %d (%d per page)\n", res.Total, res.Page, res.PerPage)
	return nil
}
