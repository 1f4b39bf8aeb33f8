package reindex

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/metrics"
	"github.com/renderinc/locsearch/internal/search"
)

// Reindexer keeps the search index in step with the source records.
//
// Projections of the same location never run concurrently and always read
// the latest committed snapshot, so an older state cannot overwrite a newer
// one. RebuildAll excludes all other projections while it runs.
type Reindexer struct {
	source   Source
	store    search.Store
	services search.ServiceStore

	pool           *ants.Pool
	workers        int
	rebuildWorkers int

	locks     *keyedMutex
	rebuildMu sync.RWMutex

	pendingMu sync.Mutex
	pending   map[int64]struct{}
	wg        sync.WaitGroup

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Stats holds the outcome of a full rebuild
type Stats struct {
	Total    int // locations listed by the source
	Indexed  int // documents written
	Skipped  int // locations deleted while the rebuild ran
	Failures []Failure
	Duration time.Duration
}

// Failure is a location that could not be projected during a rebuild
type Failure struct {
	LocationID int64
	Err        error
}

// Option configures a Reindexer
type Option func(*Reindexer) error

// WithWorkers sets the size of the pool running notified re-projections.
// Default is runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(r *Reindexer) error {
		if n < 1 {
			n = 1
		}
		r.workers = n
		return nil
	}
}

// WithRebuildWorkers sets the concurrency of RebuildAll.
// Default is runtime.NumCPU().
func WithRebuildWorkers(n int) Option {
	return func(r *Reindexer) error {
		if n < 1 {
			n = 1
		}
		r.rebuildWorkers = n
		return nil
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reindexer) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		r.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reindexer) error {
		r.metrics = m
		return nil
	}
}

// WithServiceStore keeps a service index in step with the same projections
func WithServiceStore(s search.ServiceStore) Option {
	return func(r *Reindexer) error {
		r.services = s
		return nil
	}
}

// New creates a Reindexer reading from source and writing to store
func New(source Source, store search.Store, opts ...Option) (*Reindexer, error) {
	r := &Reindexer{
		source:         source,
		store:          store,
		workers:        runtime.NumCPU(),
		rebuildWorkers: runtime.NumCPU(),
		locks:          newKeyedMutex(),
		pending:        make(map[int64]struct{}),
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool

	return r, nil
}

// ProjectAndUpsert re-projects one location synchronously. A location that
// no longer exists has its document removed.
func (r *Reindexer) ProjectAndUpsert(ctx context.Context, id int64) error {
	r.rebuildMu.RLock()
	defer r.rebuildMu.RUnlock()

	unlock := r.locks.lock(id)
	defer unlock()

	loc, err := r.source.LoadLocation(ctx, id)
	if err != nil {
		return fmt.Errorf("load location %d: %w", id, err)
	}

	if loc == nil {
		err := r.store.Remove(ctx, id)
		r.metrics.Reindexed("remove", err)
		if err != nil {
			return fmt.Errorf("remove document %d: %w", id, err)
		}
		if err := r.replaceServices(ctx, id, nil); err != nil {
			return err
		}
		r.logger.Debug("document removed", zap.Int64("location_id", id))
		return nil
	}

	err = r.store.Upsert(ctx, search.Project(loc))
	r.metrics.Reindexed("upsert", err)
	if err != nil {
		return fmt.Errorf("upsert document %d: %w", id, err)
	}
	if err := r.replaceServices(ctx, id, search.ProjectServices(loc)); err != nil {
		return err
	}
	r.logger.Debug("document upserted", zap.Int64("location_id", id))
	return nil
}

func (r *Reindexer) replaceServices(ctx context.Context, id int64, docs []*search.ServiceDocument) error {
	if r.services == nil {
		return nil
	}
	if err := r.services.ReplaceLocation(ctx, id, docs); err != nil {
		return fmt.Errorf("replace services of location %d: %w", id, err)
	}
	return nil
}

// Notify resolves the locations affected by c and re-projects each of them
// in the background. Ids that are already queued and not yet started are
// not queued twice. Notify returns once the work is queued; errors of the
// projections themselves are logged.
func (r *Reindexer) Notify(ctx context.Context, c Change) error {
	ids, err := Dependents(ctx, r.source, c)
	if err != nil {
		return err
	}

	// queued work must outlive request scoped contexts
	bg := context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := r.enqueue(bg, id); err != nil {
			return err
		}
	}

	r.logger.Debug("change notified",
		zap.String("kind", string(c.Kind)),
		zap.Int64("id", c.ID),
		zap.Int("locations", len(ids)),
	)
	return nil
}

func (r *Reindexer) enqueue(ctx context.Context, id int64) error {
	r.pendingMu.Lock()
	if _, queued := r.pending[id]; queued {
		r.pendingMu.Unlock()
		return nil
	}
	r.pending[id] = struct{}{}
	r.wg.Add(1)
	r.metrics.SetQueueDepth(len(r.pending))
	r.pendingMu.Unlock()

	err := r.pool.Submit(func() {
		defer r.wg.Done()

		// Leaving the pending set before loading means a change arriving
		// from here on queues a fresh projection.
		r.dequeue(id)

		if err := r.ProjectAndUpsert(ctx, id); err != nil {
			r.logger.Error("reindex failed", zap.Int64("location_id", id), zap.Error(err))
		}
	})
	if err != nil {
		r.dequeue(id)
		r.wg.Done()
		return fmt.Errorf("queue location %d: %w", id, err)
	}
	return nil
}

func (r *Reindexer) dequeue(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.metrics.SetQueueDepth(len(r.pending))
	r.pendingMu.Unlock()
}

// Pending returns the number of queued locations that have not started
func (r *Reindexer) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Flush waits until all work queued before the call has finished
func (r *Reindexer) Flush() {
	r.wg.Wait()
}

// Release waits for queued work and stops the worker pool
func (r *Reindexer) Release() {
	r.Flush()
	r.pool.Release()
}

// RebuildAll recomputes the document of every location and replaces the
// index content with them. A location that fails to project is recorded in
// Stats.Failures and left out; the rebuild itself only fails when the
// location list cannot be read or the index cannot be written.
func (r *Reindexer) RebuildAll(ctx context.Context) (*Stats, error) {
	start := time.Now()

	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	ids, err := r.source.LocationIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}

	stats := &Stats{Total: len(ids)}
	r.logger.Info("rebuild started", zap.Int("locations", len(ids)))

	// A dedicated pool keeps the rebuild from waiting on notified tasks
	// that are themselves waiting for the rebuild to finish.
	pool, err := ants.NewPool(r.rebuildWorkers)
	if err != nil {
		return nil, fmt.Errorf("create rebuild pool: %w", err)
	}
	defer pool.Release()

	var (
		docs     = make([]*search.Document, len(ids))
		services = make([][]*search.ServiceDocument, len(ids))
		mu       sync.Mutex
		wg   sync.WaitGroup
	)
	fail := func(id int64, err error) {
		mu.Lock()
		stats.Failures = append(stats.Failures, Failure{LocationID: id, Err: err})
		mu.Unlock()
		r.logger.Warn("rebuild: location skipped", zap.Int64("location_id", id), zap.Error(err))
	}

	for i, id := range ids {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			loc, err := r.source.LoadLocation(ctx, id)
			if err != nil {
				fail(id, err)
				return
			}
			if loc == nil {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return
			}
			docs[i] = search.Project(loc)
			services[i] = search.ProjectServices(loc)
		})
		if err != nil {
			wg.Done()
			fail(id, err)
		}
	}
	wg.Wait()

	live := docs[:0]
	for _, doc := range docs {
		if doc != nil {
			live = append(live, doc)
		}
	}

	if err := r.store.Rebuild(ctx, live); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	if r.services != nil {
		var all []*search.ServiceDocument
		for _, svcs := range services {
			all = append(all, svcs...)
		}
		if err := r.services.Rebuild(ctx, all); err != nil {
			return nil, fmt.Errorf("rebuild service index: %w", err)
		}
	}

	stats.Indexed = len(live)
	stats.Duration = time.Since(start)
	r.metrics.RebuildFailed(len(stats.Failures))

	r.logger.Info("rebuild complete",
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", len(stats.Failures)),
		zap.Duration("took", stats.Duration),
	)
	return stats, nil
}
