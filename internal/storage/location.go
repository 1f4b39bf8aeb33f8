package storage

import (
	"strings"
	"time"
)

// Location is a snapshot of a location record and the relations that
// contribute to its search document.
type Location struct {
	ID             int64         `json:"id"`
	OrganizationID *int64        `json:"organization_id,omitempty"`
	Organization   *Organization `json:"organization,omitempty"`
	Address        *Address      `json:"address,omitempty"`
	Name           *string       `json:"name,omitempty"`
	Description    *string       `json:"description,omitempty"`
	Covid19        bool          `json:"covid19"`
	FeaturedAt     *time.Time    `json:"featured_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Services       []Service     `json:"services,omitempty"`
	Tags           []Tag         `json:"tags,omitempty"`
}

// Organization owns one or more locations
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Address is the physical address of a location
type Address struct {
	ID         int64   `json:"id"`
	PostalCode *string `json:"postal_code,omitempty"`
}

// Service is offered at a location
type Service struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Keywords   []string   `json:"keywords,omitempty"`
	Categories []Category `json:"categories,omitempty"`
	Schedules  []Schedule `json:"schedules,omitempty"`
	Tags       []Tag      `json:"tags,omitempty"`
}

// Category classifies services
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Schedule is a regular opening window of a service
type Schedule struct {
	ID       int64  `json:"id"`
	Weekday  int    `json:"weekday"`
	OpensAt  string `json:"opens_at"`
	ClosesAt string `json:"closes_at"`
}

// Tag is a free-form label attached to locations
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OrganizationName returns the owning organization's name, if the
// organization is loaded.
func (l *Location) OrganizationName() (string, bool) {
	if l.Organization == nil {
		return "", false
	}
	return l.Organization.Name, true
}

// PostalCode returns the address postal code. Both the address and the
// postal code are optional.
func (l *Location) PostalCode() (string, bool) {
	if l.Address == nil || l.Address.PostalCode == nil {
		return "", false
	}
	return *l.Address.PostalCode, true
}

// KeywordEntries returns the non-blank keywords of the service in order.
func (s *Service) KeywordEntries() []string {
	var entries []string
	for _, k := range s.Keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		entries = append(entries, k)
	}
	return entries
}
