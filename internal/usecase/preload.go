package usecase

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/internal/provider"
	"github.com/pioxmdr920415/tilecache/internal/repository/store"
	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/pioxmdr920415/tilecache/pkg/metrics"
)

// preloadTask is one speculative fetch. Tasks carry their provider so a
// provider switch mid-drain cannot retarget work that is already queued.
type preloadTask struct {
	provider string
	tile     geo.Tile
}

// Scheduler warms the cache around the current viewport. Viewport events
// enqueue uncached tiles across a zoom window; a single drain loop works
// the queue off in fixed-size batches whose tasks run concurrently.
//
// A new viewport event during a drain only affects planning. In-flight
// fetches always complete, and queued tasks outside the new viewport stay
// queued; nearby tiles remain useful for future views.
type Scheduler struct {
	manager  *Manager
	registry *provider.Registry
	logger   logger.Logger

	batchSize int
	zoomBelow int
	zoomAbove int
	threshold float64

	enabled atomic.Bool
	offline atomic.Bool
	stopped atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	providerID string
	queue      []preloadTask
	queued     map[string]struct{}
	inflight   map[string]struct{}
	draining   bool
	hasLast    bool
	lastBounds geo.Bounds
	lastZoom   int
}

func NewScheduler(m *Manager, registry *provider.Registry, cfg config.Preload, l logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		manager:    m,
		registry:   registry,
		logger:     l,
		batchSize:  cfg.BatchSize,
		zoomBelow:  cfg.ZoomBelow,
		zoomAbove:  cfg.ZoomAbove,
		threshold:  cfg.MovementThreshold,
		ctx:        ctx,
		cancel:     cancel,
		providerID: cfg.Provider,
		queued:     make(map[string]struct{}),
		inflight:   make(map[string]struct{}),
	}

	if s.batchSize < 1 {
		s.batchSize = 1
	}
	s.enabled.Store(cfg.Enabled)

	return s
}

// OnViewportChanged is the entry point the map widget calls on every
// pan/zoom settle event.
func (s *Scheduler) OnViewportChanged(bounds geo.Bounds, zoom int) {
	if s.stopped.Load() {
		return
	}

	if !s.enabled.Load() || s.offline.Load() {
		// Record the event so re-enabling does not replan a viewport the
		// user has not moved since.
		s.mu.Lock()
		s.lastBounds, s.lastZoom, s.hasLast = bounds, zoom, true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()

	if s.hasLast && !s.significantChange(bounds, zoom) {
		s.mu.Unlock()
		return
	}

	providerID := s.providerID
	cfg, err := s.registry.Get(providerID)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("preload provider not registered", "provider", providerID, "error", err)
		return
	}

	added := s.planLocked(cfg, bounds, zoom)

	s.lastBounds, s.lastZoom, s.hasLast = bounds, zoom, true

	start := !s.draining && len(s.queue) > 0
	if start {
		s.draining = true
		s.wg.Add(1)
	}
	metrics.PreloadQueueDepth.Set(float64(len(s.queue)))

	s.mu.Unlock()

	s.logger.Debug("viewport planned", "zoom", zoom, "queued", added)

	if start {
		go s.drain()
	}
}

// significantChange ignores sub-pixel jitter: identical zoom with movement
// under the threshold share of the viewport extent is noise. The reference
// viewport is not advanced on ignored events, so slow drift accumulates
// until it crosses the threshold. Callers hold s.mu.
func (s *Scheduler) significantChange(bounds geo.Bounds, zoom int) bool {
	if zoom != s.lastZoom {
		return true
	}

	width, height := s.lastBounds.Width(), s.lastBounds.Height()
	if width <= 0 || height <= 0 {
		return true
	}

	dLng := math.Abs(center(bounds.West, bounds.East) - center(s.lastBounds.West, s.lastBounds.East))
	dLat := math.Abs(center(bounds.South, bounds.North) - center(s.lastBounds.South, s.lastBounds.North))
	if dLng > s.threshold*width || dLat > s.threshold*height {
		return true
	}

	// A resize at constant zoom also changes what is worth warming.
	return math.Abs(bounds.Width()-width) > s.threshold*width ||
		math.Abs(bounds.Height()-height) > s.threshold*height
}

func center(a, b float64) float64 {
	return (a + b) / 2
}

// planLocked enqueues every uncached, not-yet-queued, not-in-flight tile
// across the zoom window. Callers hold s.mu.
func (s *Scheduler) planLocked(cfg provider.Config, bounds geo.Bounds, zoom int) int {
	low := max(zoom-s.zoomBelow, max(cfg.MinZoom, geo.MinZoom))
	high := min(zoom+s.zoomAbove, min(cfg.MaxZoom, geo.MaxZoom))

	var added int
	for z := low; z <= high; z++ {
		r, err := geo.TileRangeForBounds(bounds, z)
		if err != nil {
			s.logger.Warn("preload range computation failed", "zoom", z, "error", err)
			continue
		}

		r.Each(func(t geo.Tile) {
			key := store.KeyFor(cfg.ID, t.Z, t.X, t.Y)
			if _, ok := s.queued[key]; ok {
				return
			}
			if _, ok := s.inflight[key]; ok {
				metrics.PreloadSkipped.Inc()
				return
			}

			cached, err := s.manager.Contains(cfg.ID, t.Z, t.X, t.Y)
			if err != nil {
				s.logger.Warn("preload cache check failed", "key", key, "error", err)
				return
			}
			if cached {
				metrics.PreloadSkipped.Inc()
				return
			}

			s.queue = append(s.queue, preloadTask{provider: cfg.ID, tile: t})
			s.queued[key] = struct{}{}
			added++
		})
	}

	return added
}

// drain works the queue off in batches. Tasks within a batch run
// concurrently; batches run sequentially, bounding concurrent upstream
// load at batchSize.
func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.stopped.Load() || len(s.queue) == 0 {
			s.queue = nil
			s.queued = make(map[string]struct{})
			s.draining = false
			metrics.PreloadQueueDepth.Set(0)
			s.mu.Unlock()
			return
		}

		n := min(s.batchSize, len(s.queue))
		batch := make([]preloadTask, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]

		for _, task := range batch {
			key := store.KeyFor(task.provider, task.tile.Z, task.tile.X, task.tile.Y)
			delete(s.queued, key)
			s.inflight[key] = struct{}{}
		}
		metrics.PreloadQueueDepth.Set(float64(len(s.queue)))
		s.mu.Unlock()

		metrics.PreloadBatches.Inc()

		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			go func(task preloadTask) {
				defer wg.Done()
				s.fetchOne(task)
			}(task)
		}
		wg.Wait()
	}
}

// fetchOne runs one task end to end. Preloading is best effort: failures
// are logged and absorbed, never surfaced.
func (s *Scheduler) fetchOne(task preloadTask) {
	key := store.KeyFor(task.provider, task.tile.Z, task.tile.X, task.tile.Y)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	_, served, err := s.manager.FetchOrServe(s.ctx, task.provider, task.tile.Z, task.tile.X, task.tile.Y, s.offline.Load())
	if err != nil {
		s.logger.Warn("preload fetch failed", "key", key, "error", err)
		return
	}
	if served {
		metrics.PreloadTiles.Inc()
	}
}

// SetProvider switches the preload target. Queued tasks are dropped;
// running ones complete naturally. The next viewport event replans fully.
func (s *Scheduler) SetProvider(providerID string) error {
	if _, err := s.registry.Get(providerID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if providerID == s.providerID {
		return nil
	}

	s.providerID = providerID
	s.queue = nil
	s.queued = make(map[string]struct{})
	s.hasLast = false
	metrics.PreloadQueueDepth.Set(0)

	s.logger.Info("preload provider switched", "provider", providerID)

	return nil
}

// Provider returns the current preload target.
func (s *Scheduler) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.providerID
}

// SetEnabled toggles preloading. Disabling does not interrupt a drain in
// progress; it stops new planning.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	s.logger.Info("preload toggled", "enabled", enabled)
}

func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// SetOffline mirrors the global offline switch. While offline, viewport
// events are recorded but never planned, and tasks already draining
// short-circuit to cache-only lookups.
func (s *Scheduler) SetOffline(offline bool) {
	s.offline.Store(offline)
}

func (s *Scheduler) Offline() bool {
	return s.offline.Load()
}

// QueueDepth reports tiles waiting to be drained.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// InFlight reports tasks currently fetching.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inflight)
}

// Stop cancels in-flight fetches and waits for the drain loop to exit.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("preload scheduler stopped")
}
