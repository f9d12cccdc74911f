package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/internal/provider"
	"github.com/pioxmdr920415/tilecache/internal/repository/store"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out strictly increasing timestamps so recency ordering
// is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// fakeFetcher serves canned payloads, counts invocations, and can be told
// to fail or to block on a gate.
type fakeFetcher struct {
	calls   atomic.Int64
	payload func(url string) ([]byte, error)
	gate    chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.payload != nil {
		return f.payload(url)
	}
	return []byte("tile:" + url), nil
}

func testRegistry() *provider.Registry {
	return provider.NewRegistry([]provider.Config{
		{
			ID:          "osm",
			Name:        "Test OSM",
			URLTemplate: "https://tile.test/{z}/{x}/{y}.png",
			MinZoom:     0,
			MaxZoom:     19,
		},
		{
			ID:          "topo",
			Name:        "Test Topo",
			URLTemplate: "https://topo.test/{z}/{x}/{y}.png",
			MinZoom:     0,
			MaxZoom:     17,
		},
		{
			ID:                 "sat",
			Name:               "Test Satellite",
			URLTemplate:        "https://sat.test/{z}/{x}/{y}.jpg?key={token}",
			RequiresCredential: true,
			CredentialSource:   "SAT_KEY",
			MinZoom:            0,
			MaxZoom:            20,
		},
	}, provider.WithCredentialResolver(provider.ResolverFunc(func(string) (string, bool) {
		return "", false
	})))
}

func newTestManager(t *testing.T, fetcher Fetcher, opts ...ManagerOption) *Manager {
	t.Helper()

	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}

	opts = append([]ManagerOption{WithClock(newFakeClock().Now)}, opts...)
	m, err := NewManager(store.NewMemoryStore(), testRegistry(), fetcher, logger.NewNoop(), opts...)
	require.NoError(t, err)

	return m
}

func TestFetchOrServeMissFetchesThenHits(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := newTestManager(t, fetcher)

	data, served, err := m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
	require.NoError(t, err)
	assert.True(t, served)
	assert.Equal(t, []byte("tile:https://tile.test/5/10/12.png"), data)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	// Second call is a pure cache hit.
	again, served, err := m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
	require.NoError(t, err)
	assert.True(t, served)
	assert.Equal(t, data, again)
	assert.Equal(t, int64(1), fetcher.calls.Load(), "hit must not refetch")

	rec, err := m.Store().Get(store.KeyFor("osm", 5, 10, 12))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.AccessCount, "hit must bump the access count")
}

func TestFetchOrServeOfflineShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := newTestManager(t, fetcher)

	data, served, err := m.FetchOrServe(context.Background(), "osm", 5, 10, 12, true)
	require.NoError(t, err)
	assert.False(t, served)
	assert.Nil(t, data)
	assert.Zero(t, fetcher.calls.Load(), "offline miss must not touch the network")

	// Cached tiles still serve offline.
	require.NoError(t, m.Put("osm", 5, 10, 12, []byte("stored")))

	data, served, err = m.FetchOrServe(context.Background(), "osm", 5, 10, 12, true)
	require.NoError(t, err)
	assert.True(t, served)
	assert.Equal(t, []byte("stored"), data)
	assert.Zero(t, fetcher.calls.Load())
}

func TestFetchOrServeFailureDegradesToMiss(t *testing.T) {
	fetcher := &fakeFetcher{payload: func(string) ([]byte, error) {
		return nil, errors.New("upstream timeout")
	}}
	m := newTestManager(t, fetcher)

	data, served, err := m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
	require.NoError(t, err, "fetch failure is a miss, not an error")
	assert.False(t, served)
	assert.Nil(t, data)

	ok, err := m.Contains("osm", 5, 10, 12)
	require.NoError(t, err)
	assert.False(t, ok, "failed fetch must not cache anything")

	// The manager does not memoize failures; the next call tries again.
	_, _, err = m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestFetchOrServeUnknownProvider(t *testing.T) {
	m := newTestManager(t, nil)

	_, _, err := m.FetchOrServe(context.Background(), "nope", 5, 10, 12, false)
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestFetchOrServeInvalidCoordinate(t *testing.T) {
	m := newTestManager(t, nil)

	_, _, err := m.FetchOrServe(context.Background(), "osm", 3, 8, 0, false)
	require.ErrorIs(t, err, geo.ErrOutOfRange)

	err = m.Put("osm", 3, 0, 9, []byte("x"))
	require.ErrorIs(t, err, geo.ErrOutOfRange)
}

func TestFetchOrServeMissingCredentialSurfaces(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := newTestManager(t, fetcher)

	_, _, err := m.FetchOrServe(context.Background(), "sat", 5, 10, 12, false)
	require.ErrorIs(t, err, provider.ErrMissingCredential)
	assert.Zero(t, fetcher.calls.Load())
}

func TestFetchOrServeDedupsConcurrentRequests(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	m := newTestManager(t, fetcher)

	const callers = 20

	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
		}(i)
	}

	// Let the callers pile up behind the single flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("tile:https://tile.test/5/10/12.png"), results[i])
	}
	assert.Equal(t, int64(1), fetcher.calls.Load(), "identical concurrent requests must share one fetch")
}

func TestBudgetInvariantHoldsAfterEveryWrite(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(1000))

	sizes := []int{150, 400, 90, 380, 270, 400, 60, 333, 400, 12}
	for i, size := range sizes {
		require.NoError(t, m.Put("osm", 10, i, i, make([]byte, size)))

		total, err := m.Store().TotalBytes()
		require.NoError(t, err)
		assert.LessOrEqual(t, total, int64(1000), "budget exceeded after write %d", i)
	}
}

func TestBudgetTrimKeepsMostRecentlyAccessed(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(1000))

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 400)))
	require.NoError(t, m.Put("osm", 10, 0, 1, make([]byte, 400)))
	require.NoError(t, m.Put("osm", 10, 0, 2, make([]byte, 400)))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TileCount, "three 400B tiles under a 1000B budget leave two")
	assert.Equal(t, int64(800), stats.TotalBytes)

	evicted, err := m.Contains("osm", 10, 0, 0)
	require.NoError(t, err)
	assert.False(t, evicted, "the least recently accessed tile goes first")

	for _, y := range []int{1, 2} {
		ok, err := m.Contains("osm", 10, 0, y)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEvictionFollowsAccessOrderNotInsertionOrder(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(1000))

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 100)))
	require.NoError(t, m.Put("osm", 10, 0, 1, make([]byte, 100)))
	require.NoError(t, m.Put("osm", 10, 0, 2, make([]byte, 100)))

	// Reading the first tile makes the second the eviction candidate.
	_, served, err := m.FetchOrServe(context.Background(), "osm", 10, 0, 0, true)
	require.NoError(t, err)
	require.True(t, served)

	require.NoError(t, m.Put("osm", 10, 0, 3, make([]byte, 800)))

	gone, err := m.Contains("osm", 10, 0, 1)
	require.NoError(t, err)
	assert.False(t, gone)

	for _, y := range []int{0, 2, 3} {
		ok, err := m.Contains("osm", 10, 0, y)
		require.NoError(t, err)
		assert.True(t, ok, "tile y=%d should have survived", y)
	}
}

func TestOversizedWriteEvictsItself(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(1000))

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 1500)))

	total, err := m.Store().TotalBytes()
	require.NoError(t, err)
	assert.Zero(t, total, "a tile larger than the whole budget cannot stay")
}

func TestPutIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(1000))

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 300)))
	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 300)))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TileCount)
	assert.Equal(t, int64(300), stats.TotalBytes)
}

func TestSetMaxBytesShrinkEvictsAndPersists(t *testing.T) {
	st := store.NewMemoryStore()
	m, err := NewManager(st, testRegistry(), &fakeFetcher{}, logger.NewNoop(),
		WithClock(newFakeClock().Now), WithMaxBytes(2000))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put("osm", 10, i, 0, make([]byte, 200)))
	}

	require.NoError(t, m.SetMaxBytes(450))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TileCount)
	assert.Equal(t, int64(400), stats.TotalBytes)
	assert.Equal(t, int64(450), stats.MaxBytes)

	// The persisted budget wins over configuration on the next start.
	m2, err := NewManager(st, testRegistry(), &fakeFetcher{}, logger.NewNoop(),
		WithClock(newFakeClock().Now), WithMaxBytes(2000))
	require.NoError(t, err)
	assert.Equal(t, int64(450), m2.MaxBytes())
}

func TestSetMaxBytesRejectsNonPositive(t *testing.T) {
	m := newTestManager(t, nil)

	require.Error(t, m.SetMaxBytes(0))
	require.Error(t, m.SetMaxBytes(-10))
	assert.Equal(t, int64(DefaultMaxBytes), m.MaxBytes())
}

func TestStatsAggregatesPerProvider(t *testing.T) {
	m := newTestManager(t, nil)

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 100)))
	require.NoError(t, m.Put("osm", 10, 0, 1, make([]byte, 150)))
	require.NoError(t, m.Put("topo", 10, 0, 0, make([]byte, 70)))

	stats, err := m.Stats()
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TileCount)
	assert.Equal(t, int64(320), stats.TotalBytes)
	assert.Equal(t, int64(DefaultMaxBytes), stats.MaxBytes)
	assert.Equal(t, ProviderStats{Count: 2, Bytes: 250}, stats.PerProvider["osm"])
	assert.Equal(t, ProviderStats{Count: 1, Bytes: 70}, stats.PerProvider["topo"])
}

func TestClearAllAndClearProvider(t *testing.T) {
	m := newTestManager(t, nil)

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 100)))
	require.NoError(t, m.Put("osm", 10, 0, 1, make([]byte, 100)))
	require.NoError(t, m.Put("topo", 10, 0, 0, make([]byte, 100)))

	require.NoError(t, m.ClearProvider("osm"))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TileCount)
	_, ok := stats.PerProvider["osm"]
	assert.False(t, ok)

	// Idempotent on an already-empty provider.
	require.NoError(t, m.ClearProvider("osm"))

	require.NoError(t, m.ClearAll())
	stats, err = m.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.TileCount)
	assert.Zero(t, stats.TotalBytes)

	require.NoError(t, m.ClearAll())
}

func TestConcurrentPutsKeepAccountingConsistent(t *testing.T) {
	m := newTestManager(t, nil, WithMaxBytes(10_000))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := m.Put("osm", 12, i, j, make([]byte, 100))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	total, err := m.Store().TotalBytes()
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(10_000))

	var recomputed int64
	require.NoError(t, m.Store().ForEachByRecency(func(rec *store.TileRecord) error {
		recomputed += rec.ByteSize
		return nil
	}))
	assert.Equal(t, recomputed, total, "running total must match a full recompute")
}

func TestShutdownRunsFinalBudgetPass(t *testing.T) {
	m := newTestManager(t, nil)

	require.NoError(t, m.Put("osm", 10, 0, 0, make([]byte, 100)))
	require.NoError(t, m.Shutdown())
}

func ExampleManager_FetchOrServe() {
	reg := provider.NewRegistry([]provider.Config{{
		ID:          "osm",
		URLTemplate: "https://tile.test/{z}/{x}/{y}.png",
		MaxZoom:     19,
	}})

	m, _ := NewManager(store.NewMemoryStore(), reg, fetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return []byte("payload"), nil
	}), logger.NewNoop())

	data, served, _ := m.FetchOrServe(context.Background(), "osm", 5, 10, 12, false)
	fmt.Println(served, string(data))
	// Output: true payload
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}
