package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/metrics"
)

// textAnalyzer splits on Unicode word boundaries and lower-cases. It keeps
// stop words, so a phrase only matches its exact word sequence.
const textAnalyzer = "locsearch_text"

// maxWindow bounds size+offset of a search so the sum fits the collector's
// arithmetic. MaxPerPage leaves room for offsets far past any real result.
const (
	maxWindow  = math.MaxInt32
	MaxPerPage = 1 << 30
)

// TextAnalyzer returns the analyzer used for the text fields of both
// indexes
func TextAnalyzer() analysis.Analyzer {
	return &analysis.DefaultAnalyzer{
		Tokenizer:    unicode.NewUnicodeTokenizer(),
		TokenFilters: []analysis.TokenFilter{lowercase.NewLowerCaseFilter()},
	}
}

// newIndexMapping returns a static mapping for doc with the text analyzer
// registered as the default
func newIndexMapping(doc *mapping.DocumentMapping) (*mapping.IndexMappingImpl, error) {
	m := mapping.NewIndexMapping()
	err := m.AddCustomAnalyzer(textAnalyzer, map[string]any{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("register analyzer: %w", err)
	}

	m.DefaultMapping = doc
	m.DefaultAnalyzer = textAnalyzer
	m.StoreDynamic = false
	m.IndexDynamic = false
	m.DocValuesDynamic = false
	return m, nil
}

func textField() *mapping.FieldMapping {
	fm := mapping.NewTextFieldMapping()
	fm.Analyzer = textAnalyzer
	fm.Store = false
	fm.IncludeInAll = false
	return fm
}

func numericField() *mapping.FieldMapping {
	fm := mapping.NewNumericFieldMapping()
	fm.Store = false
	fm.IncludeInAll = false
	return fm
}

func dateTimeField() *mapping.FieldMapping {
	fm := mapping.NewDateTimeFieldMapping()
	fm.Store = false
	fm.IncludeInAll = false
	return fm
}

// sourceField is stored only; it is returned with hits and never searched
func sourceField() *mapping.FieldMapping {
	fm := mapping.NewTextFieldMapping()
	fm.Index = false
	fm.Store = true
	fm.IncludeInAll = false
	fm.IncludeTermVectors = false
	fm.DocValues = false
	return fm
}

// openBleve opens the index at path, creating it with m if it does not
// exist. An empty path creates an in-memory index.
func openBleve(path string, m mapping.IndexMapping) (bleve.Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(m)
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
		return idx, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, m)
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return idx, nil
}

// indexable is a document an engine can write
type indexable interface {
	DocID() string
	fields() (map[string]any, error)
}

// engine is the bleve index shared by the location and service stores
type engine struct {
	mu     sync.RWMutex // guards closed
	index  bleve.Index
	closed bool

	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func (e *engine) init(idx bleve.Index, opts Options) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	e.index = idx
	e.batchSize = opts.BatchSize
	e.logger = opts.Logger
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.metrics = opts.Metrics
}

// Close closes the index. Further operations return ErrIndexClosed.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}

// acquire read-locks the index for one operation. The returned release
// func must be called when the operation is done.
func (e *engine) acquire() (func(), error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrIndexClosed
	}
	return e.mu.RUnlock, nil
}

// Count returns the number of documents in the index
func (e *engine) Count() (uint64, error) {
	release, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	return e.index.DocCount()
}

// matchingIDs returns the keys of every document matching q
func (e *engine) matchingIDs(ctx context.Context, q query.Query) ([]string, error) {
	count, err := e.index.DocCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if count > maxWindow {
		count = maxWindow
	}

	req := bleve.NewSearchRequestOptions(q, int(count), 0, false)
	req.Score = "none"
	req.SortByCustom(bsearch.SortOrder{&bsearch.SortDocID{}})

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// staleIDs returns the ids in existing that none of docs carries
func staleIDs[D indexable](existing []string, docs []D) []string {
	keep := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		keep[doc.DocID()] = struct{}{}
	}

	var stale []string
	for _, id := range existing {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

// writeBatch indexes docs and deletes the remove keys in batches of the
// configured size
func writeBatch[D indexable](ctx context.Context, e *engine, docs []D, remove []string) error {
	batch := e.index.NewBatch()
	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.index.Batch(batch); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		batch.Reset()
		return nil
	}

	for _, doc := range docs {
		fields, err := doc.fields()
		if err != nil {
			return fmt.Errorf("encode document %s: %w", doc.DocID(), err)
		}
		if err := batch.Index(doc.DocID(), fields); err != nil {
			return fmt.Errorf("batch index %s: %w", doc.DocID(), err)
		}
		if batch.Size() >= e.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	for _, id := range remove {
		batch.Delete(id)
		if batch.Size() >= e.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// page runs q and returns the hits of one page with their stored source
func (e *engine) page(ctx context.Context, q query.Query, order bsearch.SortOrder, scored bool, page, perPage int) (*bleve.SearchResult, error) {
	size, from := pageWindow(page, perPage)

	req := bleve.NewSearchRequestOptions(q, size, from, false)
	req.Fields = []string{fieldSource}
	req.SortByCustom(order)
	if !scored {
		req.Score = "none"
	}

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res, nil
}

// pageWindow converts a 1-based page into a result size and offset. The
// size is capped at MaxPerPage and the offset saturates so that
// size+offset never exceeds maxWindow.
func pageWindow(page, perPage int) (size, from int) {
	size = min(max(perPage, 0), MaxPerPage)
	if page <= 1 || size == 0 {
		return size, 0
	}
	if page-1 > (maxWindow-size)/size {
		return size, maxWindow - size
	}
	return size, (page - 1) * size
}

// decodeHits unmarshals the stored source of every hit
func decodeHits[D any](hits bsearch.DocumentMatchCollection) ([]*D, error) {
	docs := make([]*D, 0, len(hits))
	for _, hit := range hits {
		source, ok := hit.Fields[fieldSource].(string)
		if !ok {
			return nil, fmt.Errorf("document %s has no stored source", hit.ID)
		}

		doc := new(D)
		if err := json.Unmarshal([]byte(source), doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", hit.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// numericEquals matches documents whose numeric field holds value
func numericEquals(field string, value int64, boost float64) query.Query {
	v := float64(value)
	inclusive := true
	q := query.NewNumericRangeInclusiveQuery(&v, &v, &inclusive, &inclusive)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}
