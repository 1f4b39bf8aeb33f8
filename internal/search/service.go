package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/storage"
)

// FieldLocationID is the owning location of a service document
const FieldLocationID = "location_id"

// ServiceDocument is the search record of one service
type ServiceDocument struct {
	ID         int64    `json:"id"`
	LocationID int64    `json:"location_id"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
}

// DocID returns the index key of the document
func (d *ServiceDocument) DocID() string {
	return docID(d.ID)
}

func (d *ServiceDocument) fields() (map[string]any, error) {
	source, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	f := map[string]any{
		FieldID:         float64(d.ID),
		FieldLocationID: float64(d.LocationID),
		FieldName:       d.Name,
		fieldSource:     string(source),
	}
	if len(d.Tags) > 0 {
		f[FieldTags] = d.Tags
	}
	return f, nil
}

// ProjectServices maps every service of a location to its document
func ProjectServices(loc *storage.Location) []*ServiceDocument {
	docs := make([]*ServiceDocument, 0, len(loc.Services))
	for _, svc := range loc.Services {
		doc := &ServiceDocument{
			ID:         svc.ID,
			LocationID: loc.ID,
			Name:       svc.Name,
			Tags:       make([]string, 0, len(svc.Tags)),
		}
		for _, tag := range svc.Tags {
			doc.Tags = append(doc.Tags, tag.Name)
		}
		docs = append(docs, doc)
	}
	return docs
}

// ServiceStore holds service documents. Services are written per owning
// location, since a location snapshot carries all of its services.
type ServiceStore interface {
	// ReplaceLocation makes docs the only services indexed for locationID
	ReplaceLocation(ctx context.Context, locationID int64, docs []*ServiceDocument) error
	// Rebuild replaces the whole index content with docs
	Rebuild(ctx context.Context, docs []*ServiceDocument) error
	// Execute runs a composite query and returns one page of services and
	// the total number of matches
	Execute(ctx context.Context, c *Composite, page, perPage int) ([]*ServiceDocument, uint64, error)
	// Count returns the number of indexed services
	Count() (uint64, error)
}

// ServiceIndex is a bleve backed ServiceStore
type ServiceIndex struct {
	engine
}

var _ ServiceStore = (*ServiceIndex)(nil)

// OpenServices opens or creates a service index at path. An empty path
// creates an index that lives only in memory.
func OpenServices(path string, opts Options) (*ServiceIndex, error) {
	m, err := buildServiceMapping()
	if err != nil {
		return nil, err
	}
	idx, err := openBleve(path, m)
	if err != nil {
		return nil, err
	}

	s := &ServiceIndex{}
	s.init(idx, opts)
	return s, nil
}

func buildServiceMapping() (*mapping.IndexMappingImpl, error) {
	doc := mapping.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldID, numericField())
	doc.AddFieldMappingsAt(FieldLocationID, numericField())
	doc.AddFieldMappingsAt(FieldName, textField())
	doc.AddFieldMappingsAt(FieldTags, textField())
	doc.AddFieldMappingsAt(fieldSource, sourceField())

	return newIndexMapping(doc)
}

// ReplaceLocation indexes docs and deletes every other service indexed for
// locationID. A nil docs removes the location's services.
func (s *ServiceIndex) ReplaceLocation(ctx context.Context, locationID int64, docs []*ServiceDocument) (err error) {
	defer func() { s.metrics.IndexOperation("service_replace", err) }()

	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	existing, err := s.matchingIDs(ctx, numericEquals(FieldLocationID, locationID, 1))
	if err != nil {
		return fmt.Errorf("list services of location %d: %w", locationID, err)
	}

	if err := writeBatch(ctx, &s.engine, docs, staleIDs(existing, docs)); err != nil {
		return fmt.Errorf("write services of location %d: %w", locationID, err)
	}
	return nil
}

// Rebuild makes the index hold exactly docs
func (s *ServiceIndex) Rebuild(ctx context.Context, docs []*ServiceDocument) (err error) {
	defer func() { s.metrics.IndexOperation("service_rebuild", err) }()

	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	existing, err := s.matchingIDs(ctx, query.NewMatchAllQuery())
	if err != nil {
		return fmt.Errorf("list indexed services: %w", err)
	}
	stale := staleIDs(existing, docs)

	if err := writeBatch(ctx, &s.engine, docs, stale); err != nil {
		return err
	}

	s.logger.Info("service index rebuilt",
		zap.Int("documents", len(docs)),
		zap.Int("removed", len(stale)),
	)
	return nil
}

// Execute runs the composite query and returns the requested page ordered
// by relevance, then id
func (s *ServiceIndex) Execute(ctx context.Context, c *Composite, page, perPage int) ([]*ServiceDocument, uint64, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, 0, err
	}
	defer release()

	order := bsearch.SortOrder{
		&bsearch.SortScore{Desc: true},
		&bsearch.SortField{Field: FieldID, Type: bsearch.SortFieldAsNumber},
	}
	res, err := s.page(ctx, c.Query(), order, c.Scored(), page, perPage)
	if err != nil {
		return nil, 0, err
	}

	docs, err := decodeHits[ServiceDocument](res.Hits)
	if err != nil {
		return nil, 0, err
	}
	return docs, res.Total, nil
}
