package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all records in a map. Intended for tests and
// short-lived sessions where persistence across restarts is not needed.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*TileRecord
	meta       map[string]string
	totalBytes int64
}

var _ TileStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*TileRecord),
		meta:    make(map[string]string),
	}
}

func (s *MemoryStore) Get(key string) (*TileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Put(rec *TileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.ByteSize = int64(len(cp.Payload))

	if prev, ok := s.records[cp.Key]; ok {
		s.totalBytes -= prev.ByteSize
		cp.CreatedAt = prev.CreatedAt
		cp.AccessCount = prev.AccessCount
	}

	s.records[cp.Key] = &cp
	s.totalBytes += cp.ByteSize

	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		s.totalBytes -= rec.ByteSize
		delete(s.records, key)
	}

	return nil
}

func (s *MemoryStore) Touch(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}

	rec.LastAccessedAt = at
	rec.AccessCount++

	return nil
}

func (s *MemoryStore) Has(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[key]
	return ok, nil
}

func (s *MemoryStore) ForEachByProvider(provider string, fn func(*TileRecord) error) error {
	for _, rec := range s.snapshot() {
		if rec.Provider != provider {
			continue
		}
		if err := fn(rec); err != nil {
			return iterErr(err)
		}
	}

	return nil
}

func (s *MemoryStore) ForEachByRecency(fn func(*TileRecord) error) error {
	recs := s.snapshot()
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastAccessedAt.Equal(recs[j].LastAccessedAt) {
			return recs[i].LastAccessedAt.Before(recs[j].LastAccessedAt)
		}
		return recs[i].Key < recs[j].Key
	})

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return iterErr(err)
		}
	}

	return nil
}

// snapshot copies metadata under the read lock so callbacks run without
// holding it.
func (s *MemoryStore) snapshot() []*TileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*TileRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec.meta())
	}
	return recs
}

func (s *MemoryStore) TotalBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.totalBytes, nil
}

func (s *MemoryStore) Meta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
