package search

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/metrics"
)

// ErrIndexClosed is returned by operations on a closed index
var ErrIndexClosed = errors.New("index closed")

// Store is the document store searched by the façade and written by the
// reindexer. Documents are keyed by location id.
type Store interface {
	// Upsert replaces the document with the same id, or inserts it
	Upsert(ctx context.Context, doc *Document) error
	// Remove deletes a document; removing an absent id is not an error
	Remove(ctx context.Context, id int64) error
	// Rebuild replaces the whole index content with docs
	Rebuild(ctx context.Context, docs []*Document) error
	// Execute runs a composite query and returns one page of documents and
	// the total number of matches
	Execute(ctx context.Context, c *Composite, page, perPage int) ([]*Document, uint64, error)
	// Get returns the indexed document for id, or nil if there is none
	Get(ctx context.Context, id int64) (*Document, error)
	// Count returns the number of indexed documents
	Count() (uint64, error)
}

const (
	defaultBatchSize = 500
	defaultCacheSize = 1024
)

// Options configures an Index or a ServiceIndex
type Options struct {
	BatchSize int // documents per bleve batch during Rebuild
	CacheSize int // entries in the Get cache
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Index is a bleve backed Store
type Index struct {
	engine

	// cacheMu orders cache fills against writes so a Get racing an Upsert
	// cannot put a stale document back into the cache.
	cacheMu sync.Mutex
	cache   *lru.Cache[int64, *Document]
}

var _ Store = (*Index)(nil)

// Open opens or creates a bleve index at path
func Open(path string, opts Options) (*Index, error) {
	if path == "" {
		return nil, errors.New("open index: empty path")
	}
	return openIndex(path, opts)
}

// OpenMem creates an index that lives only in memory
func OpenMem(opts Options) (*Index, error) {
	return openIndex("", opts)
}

func openIndex(path string, opts Options) (*Index, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[int64, *Document](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	m, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}
	idx, err := openBleve(path, m)
	if err != nil {
		return nil, err
	}

	i := &Index{cache: cache}
	i.init(idx, opts)
	return i, nil
}

// buildIndexMapping declares every location field explicitly. Text fields
// use the text analyzer, zipcode is matched verbatim, and the date fields
// keep doc values for sorting.
func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	zipcode := mapping.NewKeywordFieldMapping()
	zipcode.Store = false
	zipcode.IncludeInAll = false

	doc := mapping.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldID, numericField())
	doc.AddFieldMappingsAt(FieldOrganizationID, numericField())
	doc.AddFieldMappingsAt(FieldOrganizationName, textField())
	doc.AddFieldMappingsAt(FieldName, textField())
	doc.AddFieldMappingsAt(FieldDescription, textField())
	doc.AddFieldMappingsAt(FieldKeywords, textField())
	doc.AddFieldMappingsAt(FieldTags, textField())
	doc.AddFieldMappingsAt(FieldZipcode, zipcode)
	doc.AddFieldMappingsAt(FieldCategoryIDs, numericField())
	doc.AddFieldMappingsAt(FieldCreatedAt, dateTimeField())
	doc.AddFieldMappingsAt(FieldUpdatedAt, dateTimeField())
	doc.AddFieldMappingsAt(FieldFeaturedAt, dateTimeField())
	doc.AddFieldMappingsAt(FieldCovid19, dateTimeField())
	doc.AddFieldMappingsAt(fieldSource, sourceField())

	return newIndexMapping(doc)
}

// Upsert adds or replaces a document
func (i *Index) Upsert(ctx context.Context, doc *Document) (err error) {
	defer func() { i.metrics.IndexOperation("upsert", err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := i.acquire()
	if err != nil {
		return err
	}
	defer release()

	fields, err := doc.fields()
	if err != nil {
		return fmt.Errorf("encode document %d: %w", doc.ID, err)
	}

	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()

	if err := i.index.Index(doc.DocID(), fields); err != nil {
		return fmt.Errorf("index document %d: %w", doc.ID, err)
	}
	i.cache.Remove(doc.ID)

	return nil
}

// Remove deletes a document. Unknown ids are ignored.
func (i *Index) Remove(ctx context.Context, id int64) (err error) {
	defer func() { i.metrics.IndexOperation("remove", err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := i.acquire()
	if err != nil {
		return err
	}
	defer release()

	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()

	if err := i.index.Delete(docID(id)); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	i.cache.Remove(id)

	return nil
}

// Rebuild makes the index hold exactly docs. Documents are written in
// batches; ids that are indexed but not in docs are deleted.
func (i *Index) Rebuild(ctx context.Context, docs []*Document) (err error) {
	defer func() { i.metrics.IndexOperation("rebuild", err) }()

	release, err := i.acquire()
	if err != nil {
		return err
	}
	defer release()

	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()
	defer i.cache.Purge()

	existing, err := i.matchingIDs(ctx, query.NewMatchAllQuery())
	if err != nil {
		return fmt.Errorf("list indexed ids: %w", err)
	}
	stale := staleIDs(existing, docs)

	if err := writeBatch(ctx, &i.engine, docs, stale); err != nil {
		return err
	}

	i.logger.Info("index rebuilt",
		zap.Int("documents", len(docs)),
		zap.Int("removed", len(stale)),
	)
	return nil
}

// Execute runs the composite query and returns the requested page. Pages
// past the end come back empty with the real total.
func (i *Index) Execute(ctx context.Context, c *Composite, page, perPage int) ([]*Document, uint64, error) {
	release, err := i.acquire()
	if err != nil {
		return nil, 0, err
	}
	defer release()

	res, err := i.page(ctx, c.Query(), c.Order(), c.Scored(), page, perPage)
	if err != nil {
		return nil, 0, err
	}

	docs, err := decodeHits[Document](res.Hits)
	if err != nil {
		return nil, 0, err
	}

	return docs, res.Total, nil
}

// Get returns the indexed document for id, or nil if it is not indexed.
// The returned document is shared with the cache and must not be modified.
func (i *Index) Get(ctx context.Context, id int64) (*Document, error) {
	release, err := i.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()

	if doc, ok := i.cache.Get(id); ok {
		i.metrics.CacheLookup(true)
		return doc, nil
	}
	i.metrics.CacheLookup(false)

	req := bleve.NewSearchRequestOptions(query.NewDocIDQuery([]string{docID(id)}), 1, 0, false)
	req.Fields = []string{fieldSource}
	req.Score = "none"

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	docs, err := decodeHits[Document](res.Hits)
	if err != nil {
		return nil, err
	}

	i.cache.Add(id, docs[0])
	return docs[0], nil
}
