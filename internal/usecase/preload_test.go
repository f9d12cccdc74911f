package usecase

import (
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preloadConfig() config.Preload {
	return config.Preload{
		Enabled:           true,
		Provider:          "osm",
		BatchSize:         10,
		ZoomBelow:         2,
		ZoomAbove:         1,
		MovementThreshold: 0.01,
	}
}

func newTestScheduler(t *testing.T, fetcher Fetcher, cfg config.Preload) (*Scheduler, *Manager) {
	t.Helper()

	m := newTestManager(t, fetcher)
	s := NewScheduler(m, m.Providers(), cfg, logger.NewNoop())
	t.Cleanup(s.Stop)

	return s, m
}

// tinyBounds sits well inside a single tile at every zoom used in these
// tests, so each planned zoom level contributes exactly one task.
var tinyBounds = geo.Bounds{South: 10.001, West: 10.001, North: 10.002, East: 10.002}

func drained(s *Scheduler) func() bool {
	return func() bool {
		return s.QueueDepth() == 0 && s.InFlight() == 0
	}
}

func TestViewportPlansZoomWindow(t *testing.T) {
	var (
		mu   sync.Mutex
		urls []string
	)
	fetcher := &fakeFetcher{payload: func(url string) ([]byte, error) {
		mu.Lock()
		urls = append(urls, url)
		mu.Unlock()
		return []byte("x"), nil
	}}
	s, _ := newTestScheduler(t, fetcher, preloadConfig())

	s.OnViewportChanged(tinyBounds, 5)

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)

	zoomRe := regexp.MustCompile(`https://tile\.test/(\d+)/`)
	seen := make(map[string]bool)
	mu.Lock()
	for _, url := range urls {
		m := zoomRe.FindStringSubmatch(url)
		require.Len(t, m, 2, "unexpected fetch url %q", url)
		seen[m[1]] = true
	}
	mu.Unlock()

	// Window is [zoom-2, zoom+1] clamped to the provider's range.
	assert.Equal(t, map[string]bool{"3": true, "4": true, "5": true, "6": true}, seen)
}

func TestZoomWindowClampsToProviderRange(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestScheduler(t, fetcher, preloadConfig())

	// At zoom 1 the window [max(-1,0), 2] holds zooms 0..2.
	s.OnViewportChanged(tinyBounds, 1)

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 3 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInsignificantMovementIsIgnored(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, m := newTestScheduler(t, fetcher, preloadConfig())

	s.OnViewportChanged(tinyBounds, 5)
	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)

	// Empty the cache so any replanning would be observable as fetches.
	require.NoError(t, m.ClearAll())

	jittered := tinyBounds
	jittered.West += 0.000001
	jittered.East += 0.000001
	s.OnViewportChanged(jittered, 5)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(4), fetcher.calls.Load(), "sub-threshold movement must not replan")

	// A real move replans.
	moved := geo.Bounds{South: 10.001, West: 10.003, North: 10.002, East: 10.004}
	s.OnViewportChanged(moved, 5)

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() > 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZoomChangeIsAlwaysSignificant(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestScheduler(t, fetcher, preloadConfig())

	s.OnViewportChanged(tinyBounds, 5)
	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)

	// Same bounds, one zoom deeper: window gains zoom 7, the rest is
	// already cached and skipped.
	s.OnViewportChanged(tinyBounds, 6)

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 5 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCachedTilesAreNotRefetched(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, m := newTestScheduler(t, fetcher, preloadConfig())

	// Warm every tile of the window by hand, then fire the event.
	for _, z := range []int{3, 4, 5, 6} {
		tile, err := geo.TileForPoint(10.0015, 10.0015, z)
		require.NoError(t, err)
		require.NoError(t, m.Put("osm", tile.Z, tile.X, tile.Y, []byte("warm")))
	}

	s.OnViewportChanged(tinyBounds, 5)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fetcher.calls.Load(), "cached tiles must be filtered at planning")
	assert.True(t, drained(s)())
}

func TestDisabledSchedulerRecordsButDoesNotPlan(t *testing.T) {
	cfg := preloadConfig()
	cfg.Enabled = false

	fetcher := &fakeFetcher{}
	s, _ := newTestScheduler(t, fetcher, cfg)

	s.OnViewportChanged(tinyBounds, 5)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fetcher.calls.Load())
	assert.Zero(t, s.QueueDepth())

	// Re-enabling alone does not replan a viewport that has not moved.
	s.SetEnabled(true)
	s.OnViewportChanged(tinyBounds, 5)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fetcher.calls.Load())

	// The next real movement plans normally.
	moved := geo.Bounds{South: 12.001, West: 12.001, North: 12.002, East: 12.002}
	s.OnViewportChanged(moved, 5)
	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineSuppressesPlanning(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestScheduler(t, fetcher, preloadConfig())

	s.SetOffline(true)
	s.OnViewportChanged(tinyBounds, 5)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fetcher.calls.Load())

	s.SetOffline(false)
	moved := geo.Bounds{South: 12.001, West: 12.001, North: 12.002, East: 12.002}
	s.OnViewportChanged(moved, 5)
	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 4 && drained(s)()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchSizeBoundsConcurrentFetches(t *testing.T) {
	cfg := preloadConfig()
	cfg.BatchSize = 3
	cfg.ZoomBelow = 0
	cfg.ZoomAbove = 0

	var current, peak atomic.Int64
	fetcher := &fakeFetcher{payload: func(url string) ([]byte, error) {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return []byte("x"), nil
	}}
	s, _ := newTestScheduler(t, fetcher, cfg)

	bounds := geo.Bounds{South: 10, West: 10, North: 11.5, East: 11.5}
	r, err := geo.TileRangeForBounds(bounds, 10)
	require.NoError(t, err)
	want := int64(r.Count())
	require.Greater(t, want, int64(cfg.BatchSize), "test area must span more than one batch")

	s.OnViewportChanged(bounds, 10)

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == want && drained(s)()
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(3), "concurrency must stay within the batch size")
}

func TestInFlightTasksAreNotReplanned(t *testing.T) {
	cfg := preloadConfig()
	cfg.ZoomBelow = 0
	cfg.ZoomAbove = 0

	fetcher := &fakeFetcher{gate: make(chan struct{})}
	s, _ := newTestScheduler(t, fetcher, cfg)

	s.OnViewportChanged(tinyBounds, 5)
	require.Eventually(t, func() bool {
		return s.InFlight() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Significant movement that still covers the same single tile: the
	// in-flight task must not be enqueued a second time.
	shifted := tinyBounds
	shifted.West += 0.0005
	shifted.East += 0.0005
	s.OnViewportChanged(shifted, 5)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, s.QueueDepth())

	close(fetcher.gate)
	require.Eventually(t, drained(s), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestProviderSwitchDropsQueuedTasks(t *testing.T) {
	cfg := preloadConfig()
	cfg.BatchSize = 1
	cfg.ZoomBelow = 3
	cfg.ZoomAbove = 0

	fetcher := &fakeFetcher{gate: make(chan struct{})}
	s, _ := newTestScheduler(t, fetcher, cfg)

	// Window [2..5] plans four tasks; batch size one leaves three queued
	// behind the gated first fetch.
	s.OnViewportChanged(tinyBounds, 5)
	require.Eventually(t, func() bool {
		return s.InFlight() == 1 && s.QueueDepth() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SetProvider("topo"))
	assert.Equal(t, "topo", s.Provider())
	assert.Zero(t, s.QueueDepth(), "queued tasks are dropped on provider switch")

	close(fetcher.gate)
	require.Eventually(t, drained(s), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), fetcher.calls.Load(), "only the in-flight task completes")
}

func TestSetProviderUnknown(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeFetcher{}, preloadConfig())

	err := s.SetProvider("nope")
	require.Error(t, err)
	assert.Equal(t, "osm", s.Provider())
}

func TestStopCancelsInFlightFetches(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	s, _ := newTestScheduler(t, fetcher, preloadConfig())

	s.OnViewportChanged(tinyBounds, 5)
	require.Eventually(t, func() bool {
		return s.InFlight() > 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock in-flight fetches")
	}

	assert.Zero(t, s.InFlight())

	// Events after Stop are ignored.
	s.OnViewportChanged(geo.Bounds{South: 12, West: 12, North: 12.1, East: 12.1}, 5)
	assert.Zero(t, s.QueueDepth())
}
