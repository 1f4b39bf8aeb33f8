package search

import (
	"slices"
	"strings"

	"github.com/renderinc/locsearch/internal/storage"
)

// keywordSeparator joins the keyword entries of every service
const keywordSeparator = ", "

// Project maps a location snapshot to its index document. It has no side
// effects and never fails: missing relations become absent fields.
func Project(loc *storage.Location) *Document {
	doc := &Document{
		ID:             loc.ID,
		OrganizationID: loc.OrganizationID,
		Name:           loc.Name,
		Description:    loc.Description,
		CreatedAt:      loc.CreatedAt,
		UpdatedAt:      loc.UpdatedAt,
		FeaturedAt:     loc.FeaturedAt,
		Keywords:       projectKeywords(loc.Services),
		CategoryIDs:    projectCategoryIDs(loc.Services),
		Tags:           make([]string, 0, len(loc.Tags)),
	}

	if name, ok := loc.OrganizationName(); ok {
		doc.OrganizationName = &name
	}
	if zip, ok := loc.PostalCode(); ok {
		doc.Zipcode = &zip
	}
	for _, tag := range loc.Tags {
		doc.Tags = append(doc.Tags, tag.Name)
	}
	if loc.Covid19 {
		created := loc.CreatedAt
		doc.Covid19 = &created
	}

	return doc
}

func projectKeywords(services []storage.Service) string {
	var entries []string
	for i := range services {
		entries = append(entries, services[i].KeywordEntries()...)
	}
	return strings.Join(entries, keywordSeparator)
}

// projectCategoryIDs returns the union of category ids across services,
// sorted ascending.
func projectCategoryIDs(services []storage.Service) []int64 {
	ids := []int64{}
	for _, svc := range services {
		for _, cat := range svc.Categories {
			ids = append(ids, cat.ID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
