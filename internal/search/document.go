package search

import (
	"encoding/json"
	"strconv"
	"time"
)

// Field names of the index document. They are part of the external search
// contract and must not change.
const (
	FieldID               = "id"
	FieldOrganizationID   = "organization_id"
	FieldOrganizationName = "organization_name"
	FieldName             = "name"
	FieldDescription      = "description"
	FieldCreatedAt        = "created_at"
	FieldUpdatedAt        = "updated_at"
	FieldZipcode          = "zipcode"
	FieldKeywords         = "keywords"
	FieldCategoryIDs      = "category_ids"
	FieldTags             = "tags"
	FieldFeaturedAt       = "featured_at"
	FieldCovid19          = "covid19"

	// fieldSource holds the JSON encoded document so hits can be returned
	// without a round trip to the source database.
	fieldSource = "source"
)

// Document is the flattened, denormalized search record of one location
type Document struct {
	ID               int64      `json:"id"`
	OrganizationID   *int64     `json:"organization_id"`
	OrganizationName *string    `json:"organization_name"`
	Name             *string    `json:"name"`
	Description      *string    `json:"description"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Zipcode          *string    `json:"zipcode"`
	Keywords         string     `json:"keywords"`
	CategoryIDs      []int64    `json:"category_ids"`
	Tags             []string   `json:"tags"`
	FeaturedAt       *time.Time `json:"featured_at"`
	Covid19          *time.Time `json:"covid19"`
}

// DocID returns the index key of the document
func (d *Document) DocID() string {
	return docID(d.ID)
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// fields returns the indexable view of the document. Absent values are
// left out so that sorts treat them as missing.
func (d *Document) fields() (map[string]any, error) {
	source, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	f := map[string]any{
		FieldID:        float64(d.ID),
		FieldCreatedAt: d.CreatedAt,
		FieldUpdatedAt: d.UpdatedAt,
		FieldKeywords:  d.Keywords,
		fieldSource:    string(source),
	}
	if d.OrganizationID != nil {
		f[FieldOrganizationID] = float64(*d.OrganizationID)
	}
	if d.OrganizationName != nil {
		f[FieldOrganizationName] = *d.OrganizationName
	}
	if d.Name != nil {
		f[FieldName] = *d.Name
	}
	if d.Description != nil {
		f[FieldDescription] = *d.Description
	}
	if d.Zipcode != nil {
		f[FieldZipcode] = *d.Zipcode
	}
	if len(d.CategoryIDs) > 0 {
		ids := make([]float64, len(d.CategoryIDs))
		for i, id := range d.CategoryIDs {
			ids[i] = float64(id)
		}
		f[FieldCategoryIDs] = ids
	}
	if len(d.Tags) > 0 {
		f[FieldTags] = d.Tags
	}
	if d.FeaturedAt != nil {
		f[FieldFeaturedAt] = *d.FeaturedAt
	}
	if d.Covid19 != nil {
		f[FieldCovid19] = *d.Covid19
	}

	return f, nil
}
