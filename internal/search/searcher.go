package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/metrics"
)

// ErrSearchUnavailable wraps failures of the search engine
var ErrSearchUnavailable = errors.New("search unavailable")

// Config holds pagination settings
type Config struct {
	DefaultPage    int
	DefaultPerPage int
	MaxPerPage     int // 0 means the MaxPerPage constant
}

// DefaultConfig returns page 1 with 30 results per page and no configured
// limit
func DefaultConfig() Config {
	return Config{DefaultPage: 1, DefaultPerPage: 30}
}

// Result is one page of search results
type Result struct {
	Documents []*Document
	Total     uint64
	Page      int
	PerPage   int
}

// ServiceResult is one page of service search results
type ServiceResult struct {
	Services []*ServiceDocument
	Total    uint64
	Page     int
	PerPage  int
}

// Searcher resolves pagination, composes the query and runs it
type Searcher struct {
	store    Store
	services ServiceStore
	composer *Composer
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// SearcherOption configures a Searcher
type SearcherOption func(*Searcher)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) SearcherOption {
	return func(s *Searcher) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) SearcherOption {
	return func(s *Searcher) {
		s.metrics = m
	}
}

// WithServiceStore enables service searches against store
func WithServiceStore(store ServiceStore) SearcherOption {
	return func(s *Searcher) {
		s.services = store
	}
}

// NewSearcher creates a Searcher. Non-positive defaults in cfg are replaced
// with those of DefaultConfig.
func NewSearcher(store Store, composer *Composer, cfg Config, opts ...SearcherOption) *Searcher {
	defaults := DefaultConfig()
	if cfg.DefaultPage <= 0 {
		cfg.DefaultPage = defaults.DefaultPage
	}
	if cfg.DefaultPerPage <= 0 {
		cfg.DefaultPerPage = defaults.DefaultPerPage
	}
	if cfg.MaxPerPage <= 0 || cfg.MaxPerPage > MaxPerPage {
		cfg.MaxPerPage = MaxPerPage
	}
	if composer == nil {
		composer = NewComposer(nil)
	}

	s := &Searcher{
		store:    store,
		composer: composer,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns the requested page of documents matching req
func (s *Searcher) Search(ctx context.Context, req *Request) (*Result, error) {
	page, perPage := s.Paginate(req)
	composite := s.composer.Compose(req)

	start := time.Now()
	docs, total, err := s.store.Execute(ctx, composite, page, perPage)
	s.metrics.ObserveSearch(err, time.Since(start))
	if err != nil {
		s.logger.Error("search failed",
			zap.Strings("clauses", composite.Names()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	s.logger.Debug("search",
		zap.Strings("clauses", composite.Names()),
		zap.Int("page", page),
		zap.Int("per_page", perPage),
		zap.Uint64("total", total),
		zap.Duration("took", time.Since(start)),
	)

	return &Result{
		Documents: docs,
		Total:     total,
		Page:      page,
		PerPage:   perPage,
	}, nil
}

// Paginate resolves the page and page size of req. Blank, non-numeric and
// non-positive values fall back to the configured defaults; page sizes
// above the limit are clamped to it.
func (s *Searcher) Paginate(req *Request) (page, perPage int) {
	return s.paginate(req.Page, req.PerPage)
}

func (s *Searcher) paginate(rawPage, rawPerPage string) (page, perPage int) {
	page = positiveOr(rawPage, s.cfg.DefaultPage)
	perPage = min(positiveOr(rawPerPage, s.cfg.DefaultPerPage), s.cfg.MaxPerPage)
	return page, perPage
}

// SearchServices returns the requested page of services whose tags match
// req, most relevant first
func (s *Searcher) SearchServices(ctx context.Context, req *ServiceRequest) (*ServiceResult, error) {
	if s.services == nil {
		return nil, fmt.Errorf("%w: no service index", ErrSearchUnavailable)
	}

	page, perPage := s.paginate(req.Page, req.PerPage)
	composite := s.composer.ComposeServices(req)

	start := time.Now()
	services, total, err := s.services.Execute(ctx, composite, page, perPage)
	s.metrics.ObserveSearch(err, time.Since(start))
	if err != nil {
		s.logger.Error("service search failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	return &ServiceResult{
		Services: services,
		Total:    total,
		Page:     page,
		PerPage:  perPage,
	}, nil
}

// foodAndCovidTags are searched in order by FoodAndCovid
var foodAndCovidTags = []string{"food", "covid-19"}

// FoodAndCovid returns the first page of services tagged food followed by
// the first page of those tagged covid-19. A service matching both is
// listed once.
func (s *Searcher) FoodAndCovid(ctx context.Context) ([]*ServiceDocument, error) {
	var (
		out  []*ServiceDocument
		seen = make(map[int64]struct{})
	)
	for _, tags := range foodAndCovidTags {
		res, err := s.SearchServices(ctx, &ServiceRequest{Tags: tags})
		if err != nil {
			return nil, err
		}
		for _, svc := range res.Services {
			if _, dup := seen[svc.ID]; dup {
				continue
			}
			seen[svc.ID] = struct{}{}
			out = append(out, svc)
		}
	}
	return out, nil
}

func positiveOr(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
