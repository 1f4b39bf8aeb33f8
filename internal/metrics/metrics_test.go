package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.ObserveSearch(nil, 10*time.Millisecond)
	m.ObserveSearch(errors.New("boom"), time.Millisecond)
	m.ObserveSearch(nil, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SearchesTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchesTotal.WithLabelValues(OutcomeError)))
}

func TestIndexAndReindexCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IndexOperation("upsert", nil)
	m.IndexOperation("remove", errors.New("closed"))
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.SetQueueDepth(4)
	m.Reindexed("upsert", nil)
	m.RebuildFailed(3)
	m.RebuildFailed(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexOperationsTotal.WithLabelValues("upsert", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexOperationsTotal.WithLabelValues("remove", OutcomeError)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IndexCacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ReindexQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReindexedTotal.WithLabelValues("upsert", OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RebuildFailuresTotal))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveSearch(nil, time.Second)
		m.IndexOperation("upsert", nil)
		m.CacheLookup(true)
		m.SetQueueDepth(1)
		m.Reindexed("remove", nil)
		m.RebuildFailed(1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveSearch(nil, time.Millisecond)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "locsearch_searches_total"))
}
