package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// exportRecord is one line of the export stream. Payload rides along as
// base64 via the standard []byte JSON encoding.
type exportRecord struct {
	recordMeta
	Payload []byte `json:"payload"`
}

// Export streams every record to w as zstd-compressed JSON lines, ordered
// by recency, and returns the number of tiles written.
func Export(s TileStore, w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.ForEachByRecency(func(meta *TileRecord) error {
		rec, err := s.Get(meta.Key)
		if err != nil {
			return err
		}

		line, err := json.Marshal(exportRecord{
			recordMeta: recordMeta{
				Key:            rec.Key,
				Provider:       rec.Provider,
				Z:              rec.Z,
				X:              rec.X,
				Y:              rec.Y,
				ByteSize:       rec.ByteSize,
				CreatedAt:      rec.CreatedAt.UnixNano(),
				LastAccessedAt: rec.LastAccessedAt.UnixNano(),
				AccessCount:    rec.AccessCount,
			},
			Payload: rec.Payload,
		})
		if err != nil {
			return err
		}

		if _, err := enc.Write(append(line, '\n')); err != nil {
			return err
		}

		count++
		return nil
	})
	if err != nil {
		enc.Close()
		return count, err
	}

	return count, enc.Close()
}

// Import reads a stream produced by Export and upserts every record into
// s. LastAccessedAt is refreshed to now so a freshly imported cache is not
// the first thing eviction reaps; CreatedAt and AccessCount survive from
// the snapshot.
func Import(s TileStore, r io.Reader, now time.Time) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)

	var count int
	for {
		var line exportRecord
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return count, fmt.Errorf("decode export record %d: %w", count+1, err)
		}
		if line.Key == "" {
			return count, fmt.Errorf("export record %d has no key", count+1)
		}

		rec := &TileRecord{
			Key:            line.Key,
			Provider:       line.Provider,
			Z:              line.Z,
			X:              line.X,
			Y:              line.Y,
			Payload:        line.Payload,
			ByteSize:       int64(len(line.Payload)),
			CreatedAt:      time.Unix(0, line.CreatedAt),
			LastAccessedAt: now,
			AccessCount:    line.AccessCount,
		}
		if err := s.Put(rec); err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}
