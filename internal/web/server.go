package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/logging"
	"github.com/renderinc/locsearch/internal/metrics"
	"github.com/renderinc/locsearch/internal/reindex"
	"github.com/renderinc/locsearch/internal/search"
)

// Searcher runs location and service searches
type Searcher interface {
	Search(ctx context.Context, req *search.Request) (*search.Result, error)
	SearchServices(ctx context.Context, req *search.ServiceRequest) (*search.ServiceResult, error)
	FoodAndCovid(ctx context.Context) ([]*search.ServiceDocument, error)
}

// Reindexer is the write side of the index
type Reindexer interface {
	ProjectAndUpsert(ctx context.Context, id int64) error
	Notify(ctx context.Context, c reindex.Change) error
	RebuildAll(ctx context.Context) (*reindex.Stats, error)
}

// SourceCounter reports the number of source locations
type SourceCounter interface {
	Count(ctx context.Context) (int, error)
}

// Server exposes search and reindexing over HTTP
type Server struct {
	source    SourceCounter
	store     search.Store
	searcher  Searcher
	reindexer Reindexer
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewServer creates a Server. m and logger may be nil.
func NewServer(source SourceCounter, store search.Store, searcher Searcher, reindexer Reindexer, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		source:    source,
		store:     store,
		searcher:  searcher,
		reindexer: reindexer,
		metrics:   m,
		log:       logging.OrNop(logger),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", s.handleSearch)
		r.Get("/services/search", s.handleSearchServices)
		r.Get("/services/food_and_covid", s.handleFoodAndCovid)
		r.Post("/reindex", s.handleRebuild)
		r.Post("/changes", s.handleChange)
		r.Get("/locations/{id}/document", s.handleGetDocument)
		r.Post("/locations/{id}/reindex", s.handleReindexLocation)
	})

	return r
}

type errorResponse struct {
	Description string `json:"description"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, description string) {
	s.writeJSON(w, status, errorResponse{Description: description})
}

// handleSearch handles GET /api/search. The documents are the body; the
// total number of matches is in X-Total-Count.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	categoryIDs, err := parseCategoryIDs(append(q["category_ids"], q["category_ids[]"]...))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := &search.Request{
		Zipcode:     q.Get("zipcode"),
		Keywords:    q.Get("keywords"),
		OrgName:     q.Get("org_name"),
		CategoryIDs: categoryIDs,
		Tags:        q.Get("tags"),
		Page:        q.Get("page"),
		PerPage:     q.Get("per_page"),
	}

	res, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		s.searchFailed(w, err)
		return
	}

	setPageHeaders(w, res.Total, res.Page, res.PerPage)
	s.writeJSON(w, http.StatusOK, res.Documents)
}

// handleSearchServices handles GET /api/services/search. Only tags are
// matched; pagination works as for locations.
func (s *Server) handleSearchServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &search.ServiceRequest{
		Tags:    q.Get("tags"),
		Page:    q.Get("page"),
		PerPage: q.Get("per_page"),
	}

	res, err := s.searcher.SearchServices(r.Context(), req)
	if err != nil {
		s.searchFailed(w, err)
		return
	}

	setPageHeaders(w, res.Total, res.Page, res.PerPage)
	s.writeJSON(w, http.StatusOK, res.Services)
}

// handleFoodAndCovid handles GET /api/services/food_and_covid
func (s *Server) handleFoodAndCovid(w http.ResponseWriter, r *http.Request) {
	services, err := s.searcher.FoodAndCovid(r.Context())
	if err != nil {
		s.searchFailed(w, err)
		return
	}
	if services == nil {
		services = []*search.ServiceDocument{}
	}
	s.writeJSON(w, http.StatusOK, services)
}

func (s *Server) searchFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, search.ErrSearchUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "search is temporarily unavailable")
		return
	}
	s.log.Error("search", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func setPageHeaders(w http.ResponseWriter, total uint64, page, perPage int) {
	w.Header().Set("X-Total-Count", strconv.FormatUint(total, 10))
	w.Header().Set("X-Current-Page", strconv.Itoa(page))
	w.Header().Set("X-Per-Page", strconv.Itoa(perPage))
}

// parseCategoryIDs accepts repeated values as well as comma separated lists
func parseCategoryIDs(values []string) ([]int64, error) {
	var ids []int64
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, errors.New("category_ids must be a list of integers")
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// handleGetDocument handles GET /api/locations/{id}/document
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationID(w, r)
	if !ok {
		return
	}

	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.log.Error("get document", zap.Int64("location_id", id), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "index unavailable")
		return
	}
	if doc == nil {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}

	s.writeJSON(w, http.StatusOK, doc)
}

// handleReindexLocation handles POST /api/locations/{id}/reindex
func (s *Server) handleReindexLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationID(w, r)
	if !ok {
		return
	}

	if err := s.reindexer.ProjectAndUpsert(r.Context(), id); err != nil {
		s.log.Error("reindex location", zap.Int64("location_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "reindex failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type changeRequest struct {
	Kind   string  `json:"kind"`
	ID     int64   `json:"id"`
	Owners []int64 `json:"owners"`
}

// handleChange handles POST /api/changes. The affected locations are
// re-projected in the background.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var body changeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed change")
		return
	}

	kind, err := reindex.ParseKind(body.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	change := reindex.Change{Kind: kind, ID: body.ID, Owners: body.Owners}
	if err := s.reindexer.Notify(r.Context(), change); err != nil {
		s.log.Error("notify change", zap.String("kind", body.Kind), zap.Int64("id", body.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "change not queued")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type rebuildResponse struct {
	Total    int             `json:"total"`
	Indexed  int             `json:"indexed"`
	Skipped  int             `json:"skipped"`
	Failures []failureRecord `json:"failures"`
	Duration string          `json:"duration"`
}

type failureRecord struct {
	LocationID int64  `json:"location_id"`
	Error      string `json:"error"`
}

// handleRebuild handles POST /api/reindex
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reindexer.RebuildAll(r.Context())
	if err != nil {
		s.log.Error("rebuild", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}

	resp := rebuildResponse{
		Total:    stats.Total,
		Indexed:  stats.Indexed,
		Skipped:  stats.Skipped,
		Failures: make([]failureRecord, 0, len(stats.Failures)),
		Duration: stats.Duration.Round(time.Millisecond).String(),
	}
	for _, f := range stats.Failures {
		resp.Failures = append(resp.Failures, failureRecord{LocationID: f.LocationID, Error: f.Err.Error()})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports the number of source locations against the number
// of indexed documents
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK

	sourceCount, err := s.source.Count(r.Context())
	if err != nil {
		s.log.Warn("health: count source", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	indexCount, err := s.store.Count()
	if err != nil {
		s.log.Warn("health: count index", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status":             status,
		"locations_in_db":    sourceCount,
		"documents_in_index": indexCount,
		"index_in_sync":      uint64(sourceCount) == indexCount,
	})
}

func (s *Server) locationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "location id must be a positive integer")
		return 0, false
	}
	return id, true
}

// requestLogger logs one line per request
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
