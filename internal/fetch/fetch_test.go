package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/internal/cluster"
	"excluster/internal/dedup"
	"excluster/internal/extract"
	"excluster/internal/store"
	"excluster/internal/workerpool"
	"excluster/pkg/types"
)

type recordingAdapter struct {
	windows []Window
	logs    []types.NormalizedLog
	err     error
}

func (a *recordingAdapter) Fetch(ctx context.Context, source types.LogSource, window Window) ([]types.NormalizedLog, error) {
	a.windows = append(a.windows, window)
	return a.logs, a.err
}

func newTestFetcher(t *testing.T) (*Fetcher, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	c := cluster.New(s, nil)
	d := dedup.New(dedup.Config{Window: time.Minute}, nil)
	t.Cleanup(d.Close)
	pool := workerpool.New(workerpool.Config{PoolSize: 2, QueueCapacity: 10, EnqueueTimeout: time.Second}, d, c, extract.Options{}, nil, nil)
	pool.Start()
	t.Cleanup(pool.Stop)
	return New(s, pool, nil), s
}

// TestFetchSource_FirstFetchWindowIsBoundedByMaxLookback covers §4.5's
// "[max(last_fetch_at, now-24h), now]" rule when last_fetch_at is unset.
func TestFetchSource_FirstFetchWindowIsBoundedByMaxLookback(t *testing.T) {
	fetcher, s := newTestFetcher(t)
	adapter := &recordingAdapter{}
	fetcher.Register(types.SourceTypeFile, adapter)

	s.SeedService(types.Service{ID: "web-api", Active: true, LogProcessingEnabled: true})
	source := types.LogSource{ID: "src-1", ServiceID: "web-api", Type: types.SourceTypeFile, FetchEnabled: true}
	s.SeedSource(source)

	before := time.Now().UTC()
	require.NoError(t, fetcher.FetchSource(context.Background(), source))

	require.Len(t, adapter.windows, 1)
	w := adapter.windows[0]
	assert.WithinDuration(t, before.Add(-MaxLookback), w.Start, 2*time.Second)
	assert.WithinDuration(t, before, w.End, 2*time.Second)
}

// TestFetchSource_SubsequentFetchStartsAtLastFetchAt covers the same rule
// once a source has a recorded last_fetch_at inside the lookback window.
func TestFetchSource_SubsequentFetchStartsAtLastFetchAt(t *testing.T) {
	fetcher, s := newTestFetcher(t)
	adapter := &recordingAdapter{}
	fetcher.Register(types.SourceTypeFile, adapter)

	lastFetch := time.Now().UTC().Add(-time.Hour)
	source := types.LogSource{ID: "src-1", ServiceID: "web-api", Type: types.SourceTypeFile, FetchEnabled: true, LastFetchAt: lastFetch}
	s.SeedSource(source)

	require.NoError(t, fetcher.FetchSource(context.Background(), source))

	require.Len(t, adapter.windows, 1)
	assert.WithinDuration(t, lastFetch, adapter.windows[0].Start, time.Millisecond)
}

// TestFetchSource_AdvancesLastFetchAtOnlyOnSuccess covers §4.5's failure
// semantics: a failed fetch must be retried over the same window.
func TestFetchSource_AdvancesLastFetchAtOnlyOnSuccess(t *testing.T) {
	fetcher, s := newTestFetcher(t)
	failing := &recordingAdapter{err: assertError{}}
	fetcher.Register(types.SourceTypeFile, failing)

	source := types.LogSource{ID: "src-1", ServiceID: "web-api", Type: types.SourceTypeFile, FetchEnabled: true}
	s.SeedSource(source)

	err := fetcher.FetchSource(context.Background(), source)
	require.Error(t, err)

	sources, err := s.ListEnabledSources(context.Background(), "web-api")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.True(t, sources[0].LastFetchAt.IsZero())
}

func TestFetchSource_DisabledSourceSkipped(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	adapter := &recordingAdapter{}
	fetcher.Register(types.SourceTypeFile, adapter)

	source := types.LogSource{ID: "src-1", ServiceID: "web-api", Type: types.SourceTypeFile, FetchEnabled: false}
	require.NoError(t, fetcher.FetchSource(context.Background(), source))
	assert.Empty(t, adapter.windows)
}

func TestFetchSource_NoRegisteredAdapterReturnsError(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	source := types.LogSource{ID: "src-1", ServiceID: "web-api", Type: types.SourceTypeCloudWatch, FetchEnabled: true}
	err := fetcher.FetchSource(context.Background(), source)
	assert.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "stub fetch failure" }
