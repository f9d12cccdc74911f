// Package store persists tile records with byte accounting behind a common
// contract, abstracting over the storage engine.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound reports that no record exists for the requested key.
	ErrNotFound = errors.New("tile not found")

	// ErrStopIteration may be returned from a ForEach callback to end the
	// iteration early without surfacing an error to the caller.
	ErrStopIteration = errors.New("stop iteration")
)

// TileRecord is one cached tile. Key is canonical, derived as
// provider:z:x:y, and at most one record exists per key.
type TileRecord struct {
	Key      string
	Provider string
	Z        int
	X        int
	Y        int
	// Payload is the opaque tile blob. Iteration callbacks receive
	// metadata-only records with Payload nil.
	Payload []byte
	// ByteSize is the payload length, cached at write time.
	ByteSize       int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// NewRecord builds a canonical record for one tile payload.
func NewRecord(provider string, z, x, y int, payload []byte, now time.Time) *TileRecord {
	return &TileRecord{
		Key:            KeyFor(provider, z, x, y),
		Provider:       provider,
		Z:              z,
		X:              x,
		Y:              y,
		Payload:        payload,
		ByteSize:       int64(len(payload)),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// meta strips the payload for iteration callbacks.
func (r *TileRecord) meta() *TileRecord {
	cp := *r
	cp.Payload = nil
	return &cp
}

// KeyFor derives the canonical cache key for a tile.
func KeyFor(provider string, z, x, y int) string {
	return provider + ":" + strconv.Itoa(z) + ":" + strconv.Itoa(x) + ":" + strconv.Itoa(y)
}

// ParseKey splits a canonical key back into its parts.
func ParseKey(key string) (provider string, z, x, y int, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return "", 0, 0, 0, fmt.Errorf("malformed tile key %q", key)
	}

	z, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("malformed tile key %q: %w", key, err)
	}
	x, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("malformed tile key %q: %w", key, err)
	}
	y, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("malformed tile key %q: %w", key, err)
	}

	return parts[0], z, x, y, nil
}

// TileStore is the persistence contract shared by every backend.
//
// Iteration callbacks receive metadata-only records (Payload nil) so that
// eviction and stats scans never load blob data. Both iterations are finite
// and restartable; ForEachByRecency yields records ascending by
// LastAccessedAt with ties broken by key.
type TileStore interface {
	// Get returns the full record for key, or ErrNotFound.
	Get(key string) (*TileRecord, error)

	// Put upserts a record. An existing record's CreatedAt and AccessCount
	// survive the rewrite; payload, size and LastAccessedAt are replaced.
	Put(rec *TileRecord) error

	// Delete removes a record. Deleting an absent key is a no-op.
	Delete(key string) error

	// Touch updates LastAccessedAt and increments AccessCount without
	// rewriting the payload. Returns ErrNotFound for an absent key.
	Touch(key string, at time.Time) error

	// Has reports whether a record exists without loading it.
	Has(key string) (bool, error)

	ForEachByProvider(provider string, fn func(*TileRecord) error) error
	ForEachByRecency(fn func(*TileRecord) error) error

	// TotalBytes returns the sum of ByteSize over all records.
	TotalBytes() (int64, error)

	// Meta and SetMeta read and write small named scalars stored next to
	// the tiles, such as the persisted byte budget.
	Meta(key string) (string, error)
	SetMeta(key, value string) error

	Close() error
}

// iterErr hides ErrStopIteration from callers once iteration has ended.
func iterErr(err error) error {
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// recordMeta is the serialized metadata form shared by the filesystem
// sidecars, the badger metadata entries and the export stream.
type recordMeta struct {
	Key            string `json:"key"`
	Provider       string `json:"provider"`
	Z              int    `json:"z"`
	X              int    `json:"x"`
	Y              int    `json:"y"`
	ByteSize       int64  `json:"byte_size"`
	CreatedAt      int64  `json:"created_at"`
	LastAccessedAt int64  `json:"last_accessed_at"`
	AccessCount    int64  `json:"access_count"`
}

func encodeMeta(rec *TileRecord) ([]byte, error) {
	return json.Marshal(recordMeta{
		Key:            rec.Key,
		Provider:       rec.Provider,
		Z:              rec.Z,
		X:              rec.X,
		Y:              rec.Y,
		ByteSize:       rec.ByteSize,
		CreatedAt:      rec.CreatedAt.UnixNano(),
		LastAccessedAt: rec.LastAccessedAt.UnixNano(),
		AccessCount:    rec.AccessCount,
	})
}

func decodeMeta(data []byte) (*TileRecord, error) {
	var rm recordMeta
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, err
	}

	return &TileRecord{
		Key:            rm.Key,
		Provider:       rm.Provider,
		Z:              rm.Z,
		X:              rm.X,
		Y:              rm.Y,
		ByteSize:       rm.ByteSize,
		CreatedAt:      time.Unix(0, rm.CreatedAt),
		LastAccessedAt: time.Unix(0, rm.LastAccessedAt),
		AccessCount:    rm.AccessCount,
	}, nil
}
