package reindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/locsearch/internal/search"
	"github.com/renderinc/locsearch/internal/storage"
)

func strPtr(s string) *string { return &s }

type fixture struct {
	db    *storage.DB
	index *search.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "locations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	idx, err := search.OpenMem(search.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	return &fixture{db: db, index: idx}
}

func (f *fixture) save(t *testing.T, loc *storage.Location) {
	t.Helper()
	require.NoError(t, f.db.SaveLocation(context.Background(), loc))
}

func (f *fixture) doc(t *testing.T, id int64) *search.Document {
	t.Helper()
	doc, err := f.index.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func newReindexer(t *testing.T, src Source, store search.Store, opts ...Option) *Reindexer {
	t.Helper()
	r, err := New(src, store, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

// instrumentedSource wraps a Source to count, fail or hold location loads
type instrumentedSource struct {
	Source

	mu    sync.Mutex
	loads map[int64]int
	fail  map[int64]error
	gate  map[int64]chan struct{}
}

func instrument(src Source) *instrumentedSource {
	return &instrumentedSource{
		Source: src,
		loads:  make(map[int64]int),
		fail:   make(map[int64]error),
		gate:   make(map[int64]chan struct{}),
	}
}

func (s *instrumentedSource) LoadLocation(ctx context.Context, id int64) (*storage.Location, error) {
	s.mu.Lock()
	s.loads[id]++
	err := s.fail[id]
	gate := s.gate[id]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.Source.LoadLocation(ctx, id)
}

func (s *instrumentedSource) loadCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[id]
}

func TestProjectAndUpsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := newReindexer(t, f.db, f.index)

	f.save(t, &storage.Location{
		ID:           1,
		Name:         strPtr("Library"),
		Organization: &storage.Organization{ID: 1, Name: "City"},
		Covid19:      true,
	})

	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	doc := f.doc(t, 1)
	require.NotNil(t, doc)
	assert.Equal(t, "City", *doc.OrganizationName)
	assert.NotNil(t, doc.Covid19)

	require.NoError(t, f.db.DeleteLocation(ctx, 1))
	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	assert.Nil(t, f.doc(t, 1), "deleted locations lose their document")

	require.NoError(t, r.ProjectAndUpsert(ctx, 99), "unknown locations are a no-op")
}

func serviceIDs(t *testing.T, services search.ServiceStore, tags string) []int64 {
	t.Helper()
	c := search.NewComposer(nil).ComposeServices(&search.ServiceRequest{Tags: tags})
	docs, _, err := services.Execute(context.Background(), c, 1, 50)
	require.NoError(t, err)
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}

func TestProjectAndUpsert_Services(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	services, err := search.OpenServices("", search.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	r := newReindexer(t, f.db, f.index, WithServiceStore(services))

	loc := &storage.Location{ID: 1, Services: []storage.Service{
		{ID: 10, Name: "Pantry", Tags: []storage.Tag{{ID: 1, Name: "food"}}},
		{ID: 11, Name: "Clinic", Tags: []storage.Tag{{ID: 2, Name: "health"}}},
	}}
	f.save(t, loc)
	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	assert.Equal(t, []int64{10}, serviceIDs(t, services, "food"))
	assert.Equal(t, []int64{10, 11}, serviceIDs(t, services, ""))

	_, err = f.db.DeleteService(ctx, 11)
	require.NoError(t, err)
	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	assert.Equal(t, []int64{10}, serviceIDs(t, services, ""), "removed services leave the index")

	require.NoError(t, f.db.DeleteLocation(ctx, 1))
	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	count, err := services.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNotify_ServiceTagRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	services, err := search.OpenServices("", search.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	r := newReindexer(t, f.db, f.index, WithServiceStore(services))
	f.save(t, &storage.Location{ID: 1, Services: []storage.Service{
		{ID: 10, Name: "Pantry", Tags: []storage.Tag{{ID: 4, Name: "groceries"}}},
	}})
	_, err = r.RebuildAll(ctx)
	require.NoError(t, err)

	require.NoError(t, f.db.SaveTag(ctx, &storage.Tag{ID: 4, Name: "halal"}))
	require.NoError(t, r.Notify(ctx, Change{Kind: KindTag, ID: 4}))
	r.Flush()

	assert.Equal(t, []int64{10}, serviceIDs(t, services, "halal"))
	assert.Empty(t, serviceIDs(t, services, "groceries"))
}

func TestProjectAndUpsert_LoadError(t *testing.T) {
	f := newFixture(t)
	src := instrument(f.db)
	src.fail[5] = errors.New("database locked")
	r := newReindexer(t, src, f.index)

	err := r.ProjectAndUpsert(context.Background(), 5)
	assert.ErrorContains(t, err, "load location 5")
}

func TestNotify_DependencyTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.save(t, &storage.Location{
		ID:           1,
		Organization: &storage.Organization{ID: 10, Name: "Food Bank"},
		Address:      &storage.Address{ID: 20, PostalCode: strPtr("94010")},
		Services: []storage.Service{{
			ID:         30,
			Name:       "Pantry",
			Keywords:   []string{"food"},
			Categories: []storage.Category{{ID: 40, Name: "Food"}},
			Schedules:  []storage.Schedule{{ID: 50, Weekday: 1}},
		}},
		Tags: []storage.Tag{{ID: 60, Name: "groceries"}},
	})
	f.save(t, &storage.Location{
		ID:           2,
		Organization: &storage.Organization{ID: 10, Name: "Food Bank"},
		Tags:         []storage.Tag{{ID: 60, Name: "groceries"}},
	})
	f.save(t, &storage.Location{ID: 3})

	tests := []struct {
		change Change
		want   []int64
	}{
		{Change{Kind: KindLocation, ID: 3}, []int64{3}},
		{Change{Kind: KindOrganization, ID: 10}, []int64{1, 2}},
		{Change{Kind: KindAddress, ID: 20}, []int64{1}},
		{Change{Kind: KindService, ID: 30}, []int64{1}},
		{Change{Kind: KindCategory, ID: 40}, []int64{1}},
		{Change{Kind: KindSchedule, ID: 50}, []int64{1}},
		{Change{Kind: KindTag, ID: 60}, []int64{1, 2}},
		{Change{Kind: KindService, ID: 999, Owners: []int64{3, 3}}, []int64{3}},
		{Change{Kind: KindTag, ID: 60, Owners: []int64{2, 3}}, []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.change.Kind, tt.change.ID), func(t *testing.T) {
			got, err := Dependents(ctx, f.db, tt.change)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotify_OrganizationRenameReachesAllLocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := newReindexer(t, f.db, f.index, WithWorkers(2))

	org := &storage.Organization{ID: 10, Name: "Food Bank"}
	f.save(t, &storage.Location{ID: 1, Organization: org})
	f.save(t, &storage.Location{ID: 2, Organization: org})
	require.NoError(t, r.Notify(ctx, Change{Kind: KindOrganization, ID: 10}))
	r.Flush()

	org.Name = "Community Food Bank"
	require.NoError(t, f.db.SaveOrganization(ctx, org))
	require.NoError(t, r.Notify(ctx, Change{Kind: KindOrganization, ID: 10}))
	r.Flush()

	for _, id := range []int64{1, 2} {
		doc := f.doc(t, id)
		require.NotNil(t, doc)
		assert.Equal(t, "Community Food Bank", *doc.OrganizationName)
	}
}

func TestNotify_DeletedServiceUsesOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := newReindexer(t, f.db, f.index)

	f.save(t, &storage.Location{
		ID:       1,
		Services: []storage.Service{{ID: 30, Name: "Pantry", Keywords: []string{"food"}}},
	})
	require.NoError(t, r.ProjectAndUpsert(ctx, 1))
	assert.Equal(t, "food", f.doc(t, 1).Keywords)

	owner, err := f.db.DeleteService(ctx, 30)
	require.NoError(t, err)
	require.NoError(t, r.Notify(ctx, Change{Kind: KindService, ID: 30, Owners: []int64{owner}}))
	r.Flush()

	assert.Equal(t, "", f.doc(t, 1).Keywords)
}

func TestNotify_UnknownKind(t *testing.T) {
	f := newFixture(t)
	r := newReindexer(t, f.db, f.index)

	err := r.Notify(context.Background(), Change{Kind: "widget", ID: 1})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ParseKind("widget")
	assert.ErrorIs(t, err, ErrUnknownKind)

	k, err := ParseKind("category")
	require.NoError(t, err)
	assert.Equal(t, KindCategory, k)
}

func TestNotify_CoalescesPendingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, &storage.Location{ID: 1})
	f.save(t, &storage.Location{ID: 2})

	src := instrument(f.db)
	gate := make(chan struct{})
	src.gate[1] = gate
	r := newReindexer(t, src, f.index, WithWorkers(1))

	// occupy the only worker
	require.NoError(t, r.Notify(ctx, Change{Kind: KindLocation, ID: 1}))
	require.Eventually(t, func() bool { return src.loadCount(1) == 1 }, time.Second, 5*time.Millisecond)

	// the first notification for 2 waits for a worker; the rest coalesce
	queued := make(chan error, 1)
	go func() { queued <- r.Notify(ctx, Change{Kind: KindLocation, ID: 2}) }()
	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, 5*time.Millisecond)

	for range 3 {
		require.NoError(t, r.Notify(ctx, Change{Kind: KindLocation, ID: 2}))
	}

	close(gate)
	require.NoError(t, <-queued)
	r.Flush()

	assert.Equal(t, 1, src.loadCount(2))
	assert.Zero(t, r.Pending())
	assert.NotNil(t, f.doc(t, 2))
}

func TestProjectAndUpsert_LatestStateWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := newReindexer(t, f.db, f.index, WithWorkers(4))

	loc := &storage.Location{ID: 1, Name: strPtr("v0")}
	f.save(t, loc)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		loc.Name = strPtr(fmt.Sprintf("v%d", i))
		f.save(t, loc)

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Notify(ctx, Change{Kind: KindLocation, ID: 1}))
		}()
	}
	wg.Wait()
	r.Flush()

	doc := f.doc(t, 1)
	require.NotNil(t, doc)
	assert.Equal(t, "v20", *doc.Name)
	assert.Zero(t, r.locks.size())
}

func TestRebuildAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		f.save(t, &storage.Location{ID: id, Name: strPtr(fmt.Sprintf("loc %d", id))})
	}

	// a stale document for a location the source no longer has
	stale := &search.Document{ID: 99, CategoryIDs: []int64{}, Tags: []string{}}
	require.NoError(t, f.index.Upsert(ctx, stale))

	src := instrument(f.db)
	src.fail[3] = errors.New("corrupt row")
	r := newReindexer(t, src, f.index, WithRebuildWorkers(3))

	stats, err := r.RebuildAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Indexed)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, int64(3), stats.Failures[0].LocationID)
	assert.ErrorContains(t, stats.Failures[0].Err, "corrupt row")

	count, err := f.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)
	assert.Nil(t, f.doc(t, 99))
	assert.Nil(t, f.doc(t, 3))
	assert.Equal(t, "loc 5", *f.doc(t, 5).Name)
}

func TestRebuildAll_Services(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	services, err := search.OpenServices("", search.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	stale := &search.ServiceDocument{ID: 99, LocationID: 9, Tags: []string{"food"}}
	require.NoError(t, services.ReplaceLocation(ctx, 9, []*search.ServiceDocument{stale}))

	f.save(t, &storage.Location{ID: 1, Services: []storage.Service{
		{ID: 10, Name: "Pantry", Tags: []storage.Tag{{ID: 1, Name: "food"}}},
	}})
	f.save(t, &storage.Location{ID: 2, Services: []storage.Service{
		{ID: 20, Name: "Meals", Tags: []storage.Tag{{ID: 1, Name: "food"}}},
		{ID: 21, Name: "Testing", Tags: []storage.Tag{{ID: 2, Name: "covid-19"}}},
	}})

	r := newReindexer(t, f.db, f.index, WithServiceStore(services))
	_, err = r.RebuildAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20}, serviceIDs(t, services, "food"))
	count, err := services.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

// failingStore rejects rebuilds
type failingStore struct {
	search.Store
}

func (failingStore) Rebuild(context.Context, []*search.Document) error {
	return errors.New("disk full")
}

func TestRebuildAll_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.save(t, &storage.Location{ID: 1})

	r := newReindexer(t, f.db, failingStore{Store: f.index})

	stats, err := r.RebuildAll(context.Background())
	assert.Nil(t, stats)
	assert.ErrorContains(t, err, "disk full")
}

func TestRebuildAll_WaitsForInFlightProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, &storage.Location{ID: 1, Name: strPtr("before")})

	src := instrument(f.db)
	gate := make(chan struct{})
	src.gate[1] = gate
	r := newReindexer(t, src, f.index, WithWorkers(1))

	require.NoError(t, r.Notify(ctx, Change{Kind: KindLocation, ID: 1}))
	require.Eventually(t, func() bool { return src.loadCount(1) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan *Stats, 1)
	go func() {
		stats, err := r.RebuildAll(ctx)
		assert.NoError(t, err)
		done <- stats
	}()

	select {
	case <-done:
		t.Fatal("rebuild ran while a projection was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// release the in-flight projection and the rebuild's own load
	close(gate)
	stats := <-done
	r.Flush()

	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, "before", *f.doc(t, 1).Name)
}
