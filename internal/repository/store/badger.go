package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
)

// Key layout inside badger: payloads under t:<key>, tile metadata under
// m:<key>, named scalars under s:<name>. Metadata entries stay small, so
// recency and provider scans iterate the m: space only.
const (
	badgerPayloadPrefix = "t:"
	badgerMetaPrefix    = "m:"
	badgerScalarPrefix  = "s:"
)

// BadgerStore persists tiles in an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger logger.Logger

	mu         sync.Mutex
	totalBytes int64
}

var _ TileStore = (*BadgerStore)(nil)

func NewBadgerStore(dir string, l logger.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &BadgerStore{
		db:     db,
		logger: l,
	}

	total, err := s.recomputeTotal()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.totalBytes = total

	l.Info("badger tile store initialized", "dir", dir, "total_bytes", total)

	return s, nil
}

func (s *BadgerStore) recomputeTotal() (int64, error) {
	var total int64
	err := s.forEachMeta(func(rec *TileRecord) error {
		total += rec.ByteSize
		return nil
	})
	return total, err
}

func (s *BadgerStore) Get(key string) (*TileRecord, error) {
	var rec *TileRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerMetaPrefix + key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = decodeMeta(data)
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte(badgerPayloadPrefix + key))
		if err != nil {
			return err
		}
		rec.Payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Error("badger get failed", "key", key, "error", err)
		return nil, err
	}

	return rec, nil
}

func (s *BadgerStore) Put(rec *TileRecord) error {
	cp := *rec
	cp.ByteSize = int64(len(cp.Payload))

	var prevSize int64
	err := s.db.Update(func(txn *badger.Txn) error {
		if prev, err := getMeta(txn, cp.Key); err == nil {
			prevSize = prev.ByteSize
			cp.CreatedAt = prev.CreatedAt
			cp.AccessCount = prev.AccessCount
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		meta, err := encodeMeta(&cp)
		if err != nil {
			return err
		}

		if err := txn.Set([]byte(badgerPayloadPrefix+cp.Key), cp.Payload); err != nil {
			return err
		}
		return txn.Set([]byte(badgerMetaPrefix+cp.Key), meta)
	})
	if err != nil {
		s.logger.Error("badger put failed", "key", cp.Key, "error", err)
		return err
	}

	s.mu.Lock()
	s.totalBytes += cp.ByteSize - prevSize
	s.mu.Unlock()

	return nil
}

func (s *BadgerStore) Delete(key string) error {
	var freed int64
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getMeta(txn, key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		freed = prev.ByteSize

		if err := txn.Delete([]byte(badgerPayloadPrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(badgerMetaPrefix + key))
	})
	if err != nil {
		s.logger.Error("badger delete failed", "key", key, "error", err)
		return err
	}

	s.mu.Lock()
	s.totalBytes -= freed
	s.mu.Unlock()

	return nil
}

func (s *BadgerStore) Touch(key string, at time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getMeta(txn, key)
		if err != nil {
			return err
		}

		rec.LastAccessedAt = at
		rec.AccessCount++

		meta, err := encodeMeta(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(badgerMetaPrefix+key), meta)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}

	return err
}

func (s *BadgerStore) Has(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerMetaPrefix + key))
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (s *BadgerStore) ForEachByProvider(provider string, fn func(*TileRecord) error) error {
	// Canonical keys start with the provider id, so the metadata space is
	// already provider-clustered.
	return s.forEachPrefix(badgerMetaPrefix+provider+":", fn)
}

func (s *BadgerStore) ForEachByRecency(fn func(*TileRecord) error) error {
	var recs []*TileRecord
	err := s.forEachMeta(func(rec *TileRecord) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return err
	}

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

func (s *BadgerStore) forEachMeta(fn func(*TileRecord) error) error {
	return s.forEachPrefix(badgerMetaPrefix, fn)
}

func (s *BadgerStore) forEachPrefix(prefix string, fn func(*TileRecord) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeMeta(data)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}

		return nil
	})

	return iterErr(err)
}

func (s *BadgerStore) TotalBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalBytes, nil
}

func (s *BadgerStore) Meta(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerScalarPrefix + key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(data)
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	return value, nil
}

func (s *BadgerStore) SetMeta(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerScalarPrefix+key), []byte(value))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func getMeta(txn *badger.Txn, key string) (*TileRecord, error) {
	item, err := txn.Get([]byte(badgerMetaPrefix + key))
	if err != nil {
		return nil, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	return decodeMeta(data)
}
