// Package usecase holds the cache manager and the preload scheduler, the
// two engines behind the tile cache's public surface.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/internal/provider"
	"github.com/pioxmdr920415/tilecache/internal/repository/store"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/pioxmdr920415/tilecache/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxBytes is the byte budget used when neither configuration nor
// a persisted setting overrides it.
const DefaultMaxBytes = 100 * 1024 * 1024

// maxBytesMetaKey names the persisted budget scalar in the store.
const maxBytesMetaKey = "max_bytes"

// ErrFetchFailed wraps upstream retrieval failures, including timeouts.
// The rendering path degrades it to a miss instead of surfacing it.
var ErrFetchFailed = errors.New("tile fetch failed")

// Fetcher retrieves one tile payload from an upstream URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ProviderStats aggregates one provider's share of the cache.
type ProviderStats struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// CacheStats is a point-in-time snapshot derived by a full metadata scan.
type CacheStats struct {
	TileCount   int64                    `json:"tile_count"`
	TotalBytes  int64                    `json:"total_bytes"`
	MaxBytes    int64                    `json:"max_bytes"`
	PerProvider map[string]ProviderStats `json:"per_provider"`
}

// Manager owns the byte budget and mediates every store mutation. All
// write-then-evict cycles run under one mutex so the budget invariant
// holds no matter how many fetches complete concurrently.
type Manager struct {
	store     store.TileStore
	providers *provider.Registry
	fetcher   Fetcher
	logger    logger.Logger
	now       func() time.Time

	// flight collapses concurrent fetches of the same key into one
	// upstream request.
	flight singleflight.Group

	mu       sync.Mutex
	maxBytes int64
}

type ManagerOption func(*Manager)

// WithMaxBytes sets the configured budget. A persisted setting from a
// previous run still takes precedence.
func WithMaxBytes(n int64) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

// WithClock injects the time source used for record timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(s store.TileStore, providers *provider.Registry, fetcher Fetcher, l logger.Logger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		store:     s,
		providers: providers,
		fetcher:   fetcher,
		logger:    l,
		now:       time.Now,
		maxBytes:  DefaultMaxBytes,
	}

	for _, opt := range opts {
		opt(m)
	}

	// A budget persisted through SetMaxBytes survives restarts and wins
	// over configuration.
	if v, err := s.Meta(maxBytesMetaKey); err == nil {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n > 0 {
			m.maxBytes = n
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read persisted budget: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The store may exceed the budget if the limit shrank since last run.
	if err := m.enforceBudgetLocked(); err != nil {
		return nil, err
	}

	metrics.CacheMaxBytes.Set(float64(m.maxBytes))
	l.Info("cache manager initialized", "max_bytes", m.maxBytes)

	return m, nil
}

// FetchOrServe returns the payload for one tile, fetching and caching it
// on a miss. The bool reports whether a payload was served. With offline
// set, a miss returns immediately without touching the network. Upstream
// failures also degrade to a miss; storage and configuration errors
// surface as errors.
func (m *Manager) FetchOrServe(ctx context.Context, providerID string, z, x, y int, offline bool) ([]byte, bool, error) {
	if err := m.validate(providerID, z, x, y); err != nil {
		return nil, false, err
	}

	key := store.KeyFor(providerID, z, x, y)

	data, served, err := m.serveCached(key, providerID)
	if err != nil || served {
		return data, served, err
	}

	metrics.CacheMisses.WithLabelValues(providerID).Inc()

	if offline {
		m.logger.Debug("offline miss", "key", key)
		return nil, false, nil
	}

	payload, err, _ := m.flight.Do(key, func() (any, error) {
		// A concurrent requester may have landed the tile while this call
		// waited on the flight group.
		if rec, err := m.store.Get(key); err == nil {
			return rec.Payload, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		return m.fetchAndStore(ctx, providerID, z, x, y, key)
	})
	if err != nil {
		if errors.Is(err, ErrFetchFailed) {
			m.logger.Warn("fetch failed, degrading to miss", "key", key, "error", err)
			return nil, false, nil
		}
		return nil, false, err
	}

	return payload.([]byte), true, nil
}

// serveCached attempts the hit path: load, bump recency, return.
func (m *Manager) serveCached(key, providerID string) ([]byte, bool, error) {
	rec, err := m.store.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		m.logger.Error("cache lookup failed", "key", key, "error", err)
		return nil, false, err
	}

	if err := m.store.Touch(key, m.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		// The payload is already in hand; a failed recency bump is not
		// worth failing the read over.
		m.logger.Warn("touch failed", "key", key, "error", err)
	}

	metrics.CacheHits.WithLabelValues(providerID).Inc()
	m.logger.Debug("cache hit", "key", key)

	return rec.Payload, true, nil
}

func (m *Manager) fetchAndStore(ctx context.Context, providerID string, z, x, y int, key string) ([]byte, error) {
	url, err := m.providers.URLFor(providerID, z, x, y)
	if err != nil {
		return nil, err
	}

	start := m.now()
	payload, err := m.fetcher.Fetch(ctx, url)
	metrics.FetchDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchFailures.WithLabelValues(providerID).Inc()
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	rec := store.NewRecord(providerID, z, x, y, payload, m.now())
	if err := m.putRecord(rec); err != nil {
		return nil, err
	}

	return payload, nil
}

// Put writes one tile explicitly, bypassing the network. Used by bulk
// loaders and the import path.
func (m *Manager) Put(providerID string, z, x, y int, payload []byte) error {
	if err := m.validate(providerID, z, x, y); err != nil {
		return err
	}

	return m.putRecord(store.NewRecord(providerID, z, x, y, payload, m.now()))
}

func (m *Manager) putRecord(rec *store.TileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Put(rec); err != nil {
		m.logger.Error("tile write failed", "key", rec.Key, "error", err)
		return err
	}

	metrics.CacheStores.WithLabelValues(rec.Provider).Inc()
	m.logger.Debug("tile cached", "key", rec.Key, "bytes", rec.ByteSize)

	return m.enforceBudgetLocked()
}

// Contains reports whether a tile is cached, without loading or touching
// it. The preload planner uses this to skip already-warm coordinates.
func (m *Manager) Contains(providerID string, z, x, y int) (bool, error) {
	return m.store.Has(store.KeyFor(providerID, z, x, y))
}

// enforceBudgetLocked deletes records in ascending last-access order until
// the total fits the budget. Callers hold m.mu.
func (m *Manager) enforceBudgetLocked() error {
	total, err := m.store.TotalBytes()
	if err != nil {
		return err
	}
	if total <= m.maxBytes {
		metrics.CacheSizeBytes.Set(float64(total))
		return nil
	}

	need := total - m.maxBytes

	// Victims are collected first so no backend has to support deletion
	// during iteration.
	var (
		victims []string
		freed   int64
	)
	err = m.store.ForEachByRecency(func(rec *store.TileRecord) error {
		victims = append(victims, rec.Key)
		freed += rec.ByteSize
		if freed >= need {
			return store.ErrStopIteration
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range victims {
		if err := m.store.Delete(key); err != nil {
			return err
		}
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheEvictedBytes.Add(float64(freed))
	metrics.CacheSizeBytes.Set(float64(total - freed))

	m.logger.Info("evicted tiles to honor budget",
		"evicted", len(victims), "freed_bytes", freed, "max_bytes", m.maxBytes)

	return nil
}

// SetMaxBytes updates the budget, persists it, and evicts immediately if
// the cache now exceeds it.
func (m *Manager) SetMaxBytes(n int64) error {
	if n <= 0 {
		return fmt.Errorf("max bytes must be positive, got %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxBytes = n
	if err := m.store.SetMeta(maxBytesMetaKey, strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("persist budget: %w", err)
	}

	metrics.CacheMaxBytes.Set(float64(n))
	m.logger.Info("cache budget updated", "max_bytes", n)

	return m.enforceBudgetLocked()
}

// MaxBytes returns the current budget.
func (m *Manager) MaxBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.maxBytes
}

// Stats derives a snapshot by a full metadata scan. Read-only.
func (m *Manager) Stats() (*CacheStats, error) {
	stats := &CacheStats{
		MaxBytes:    m.MaxBytes(),
		PerProvider: make(map[string]ProviderStats),
	}

	err := m.store.ForEachByRecency(func(rec *store.TileRecord) error {
		stats.TileCount++
		stats.TotalBytes += rec.ByteSize

		ps := stats.PerProvider[rec.Provider]
		ps.Count++
		ps.Bytes += rec.ByteSize
		stats.PerProvider[rec.Provider] = ps

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// ClearAll deletes every record.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	err := m.store.ForEachByRecency(func(rec *store.TileRecord) error {
		keys = append(keys, rec.Key)
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := m.store.Delete(key); err != nil {
			return err
		}
	}

	metrics.CacheSizeBytes.Set(0)
	m.logger.Info("cache cleared", "deleted", len(keys))

	return nil
}

// ClearProvider deletes every record of one provider. Clearing a provider
// with no records is a no-op, so leftovers of a since-removed provider can
// still be purged.
func (m *Manager) ClearProvider(providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	err := m.store.ForEachByProvider(providerID, func(rec *store.TileRecord) error {
		keys = append(keys, rec.Key)
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := m.store.Delete(key); err != nil {
			return err
		}
	}

	total, err := m.store.TotalBytes()
	if err != nil {
		return err
	}
	metrics.CacheSizeBytes.Set(float64(total))

	m.logger.Info("provider cache cleared", "provider", providerID, "deleted", len(keys))

	return nil
}

// Providers exposes the registry for listings and validation.
func (m *Manager) Providers() *provider.Registry {
	return m.providers
}

// Store exposes the underlying store for export and import flows.
func (m *Manager) Store() store.TileStore {
	return m.store
}

// Shutdown runs a final budget pass and closes the store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if err := m.enforceBudgetLocked(); err != nil {
		m.logger.Error("final budget pass failed", "error", err)
	}
	m.mu.Unlock()

	m.logger.Info("cache manager shut down")

	return m.store.Close()
}

func (m *Manager) validate(providerID string, z, x, y int) error {
	if !m.providers.Has(providerID) {
		return fmt.Errorf("%w: %q", provider.ErrUnknownProvider, providerID)
	}
	if !geo.ValidTile(z, x, y) {
		return fmt.Errorf("tile %d/%d/%d: %w", z, x, y, geo.ErrOutOfRange)
	}

	return nil
}
