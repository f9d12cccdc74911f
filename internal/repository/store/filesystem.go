package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pioxmdr920415/tilecache/pkg/logger"
)

// FilesystemStore keeps each payload in its own file under a two-level
// hash-sharded directory, with a JSON sidecar per tile carrying the
// metadata. The sidecars are read once at open into an in-memory index, so
// recency scans never touch the payload files.
type FilesystemStore struct {
	root   string
	logger logger.Logger

	mu         sync.RWMutex
	index      map[string]*TileRecord
	meta       map[string]string
	totalBytes int64
}

var _ TileStore = (*FilesystemStore)(nil)

func NewFilesystemStore(root string, l logger.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tiles"), 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}

	s := &FilesystemStore{
		root:   root,
		logger: l,
		index:  make(map[string]*TileRecord),
		meta:   make(map[string]string),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}

	l.Info("filesystem tile store initialized", "root", root, "tiles", len(s.index))

	return s, nil
}

// loadIndex walks the sidecar files and rebuilds the metadata index.
// Sidecars without a payload file are leftovers from an interrupted write
// and are skipped.
func (s *FilesystemStore) loadIndex() error {
	return filepath.WalkDir(filepath.Join(s.root, "tiles"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		rec, err := decodeMeta(data)
		if err != nil {
			s.logger.Warn("skipping unreadable tile sidecar", "path", path, "error", err)
			return nil
		}

		if _, err := os.Stat(strings.TrimSuffix(path, ".json") + ".bin"); err != nil {
			s.logger.Warn("skipping tile sidecar without payload", "path", path)
			return nil
		}

		s.index[rec.Key] = rec
		s.totalBytes += rec.ByteSize

		return nil
	})
}

func (s *FilesystemStore) loadMeta() error {
	data, err := os.ReadFile(filepath.Join(s.root, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(data, &s.meta)
}

// payloadPath shards by the first two hex digits of the key hash to keep
// directory fan-out bounded.
func (s *FilesystemStore) payloadPath(key string) string {
	sum := sha1.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, "tiles", name[:2], name)
}

func (s *FilesystemStore) Get(key string) (*TileRecord, error) {
	s.mu.RLock()
	rec, ok := s.index[key]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	cp := *rec
	s.mu.RUnlock()

	payload, err := os.ReadFile(s.payloadPath(key) + ".bin")
	if err != nil {
		s.logger.Error("filesystem get failed", "key", key, "error", err)
		return nil, err
	}

	cp.Payload = payload
	return &cp, nil
}

func (s *FilesystemStore) Put(rec *TileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.ByteSize = int64(len(cp.Payload))

	var prevSize int64
	if prev, ok := s.index[cp.Key]; ok {
		prevSize = prev.ByteSize
		cp.CreatedAt = prev.CreatedAt
		cp.AccessCount = prev.AccessCount
	}

	base := s.payloadPath(cp.Key)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}
	if err := atomicWrite(base+".bin", cp.Payload); err != nil {
		s.logger.Error("filesystem put failed", "key", cp.Key, "error", err)
		return err
	}
	if err := s.writeSidecar(&cp); err != nil {
		s.logger.Error("filesystem sidecar write failed", "key", cp.Key, "error", err)
		return err
	}

	s.index[cp.Key] = cp.meta()
	s.totalBytes += cp.ByteSize - prevSize

	return nil
}

func (s *FilesystemStore) writeSidecar(rec *TileRecord) error {
	data, err := encodeMeta(rec)
	if err != nil {
		return err
	}

	return atomicWrite(s.payloadPath(rec.Key)+".json", data)
}

func (s *FilesystemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[key]
	if !ok {
		return nil
	}

	base := s.payloadPath(key)
	for _, path := range []string{base + ".bin", base + ".json"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("filesystem delete failed", "key", key, "error", err)
			return err
		}
	}

	s.totalBytes -= rec.ByteSize
	delete(s.index, key)

	return nil
}

func (s *FilesystemStore) Touch(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[key]
	if !ok {
		return ErrNotFound
	}

	rec.LastAccessedAt = at
	rec.AccessCount++

	return s.writeSidecar(rec)
}

func (s *FilesystemStore) Has(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.index[key]
	return ok, nil
}

func (s *FilesystemStore) ForEachByProvider(provider string, fn func(*TileRecord) error) error {
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

func (s *FilesystemStore) ForEachByRecency(fn func(*TileRecord) error) error {
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

func (s *FilesystemStore) snapshot() []*TileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*TileRecord, 0, len(s.index))
	for _, rec := range s.index {
		recs = append(recs, rec.meta())
	}
	return recs
}

func (s *FilesystemStore) TotalBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.totalBytes, nil
}

func (s *FilesystemStore) Meta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FilesystemStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[key] = value

	data, err := json.Marshal(s.meta)
	if err != nil {
		return err
	}

	return atomicWrite(filepath.Join(s.root, "meta.json"), data)
}

func (s *FilesystemStore) Close() error {
	return nil
}

// atomicWrite lands data under path via a same-directory temp file and
// rename, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
