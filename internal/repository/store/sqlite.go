package store

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/pressly/goose/v3"
)

// SQLiteStore persists tiles in an embedded SQLite database. The recency
// index on (last_accessed_at, key) keeps eviction scans off the payloads.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

var _ TileStore = (*SQLiteStore)(nil)

func NewSQLiteStore(path string, l logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: l,
	}

	err = s.runMigrations()
	if err != nil {
		return nil, err
	}

	l.Info("sqlite tile store initialized", "path", path)

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(s.db, "migrations")
	if err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) Get(key string) (*TileRecord, error) {
	query := `SELECT key, provider, z, x, y, payload, byte_size, created_at, last_accessed_at, access_count
	FROM tiles
	WHERE key = ?`

	rec, err := scanRecord(s.db.QueryRow(query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error("sqlite get failed", "key", key, "error", err)
		return nil, err
	}

	return rec, nil
}

func (s *SQLiteStore) Put(rec *TileRecord) error {
	s.logger.Debug("sqlite put", "key", rec.Key, "bytes", len(rec.Payload))

	// created_at and access_count are left untouched on conflict, so the
	// first write's values survive rewrites.
	query := `INSERT INTO tiles (key, provider, z, x, y, payload, byte_size, created_at, last_accessed_at, access_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		payload = excluded.payload,
		byte_size = excluded.byte_size,
		last_accessed_at = excluded.last_accessed_at`

	_, err := s.db.Exec(query,
		rec.Key, rec.Provider, rec.Z, rec.X, rec.Y,
		rec.Payload, int64(len(rec.Payload)),
		rec.CreatedAt.UnixNano(), rec.LastAccessedAt.UnixNano(), rec.AccessCount,
	)
	if err != nil {
		s.logger.Error("sqlite put failed", "key", rec.Key, "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM tiles WHERE key = ?`, key)
	if err != nil {
		s.logger.Error("sqlite delete failed", "key", key, "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) Touch(key string, at time.Time) error {
	query := `UPDATE tiles
	SET last_accessed_at = ?, access_count = access_count + 1
	WHERE key = ?`

	res, err := s.db.Exec(query, at.UnixNano(), key)
	if err != nil {
		s.logger.Error("sqlite touch failed", "key", key, "error", err)
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tiles WHERE key = ?`, key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (s *SQLiteStore) ForEachByProvider(provider string, fn func(*TileRecord) error) error {
	query := `SELECT key, provider, z, x, y, byte_size, created_at, last_accessed_at, access_count
	FROM tiles
	WHERE provider = ?`

	return s.forEach(query, fn, provider)
}

func (s *SQLiteStore) ForEachByRecency(fn func(*TileRecord) error) error {
	query := `SELECT key, provider, z, x, y, byte_size, created_at, last_accessed_at, access_count
	FROM tiles
	ORDER BY last_accessed_at ASC, key ASC`

	return s.forEach(query, fn)
}

func (s *SQLiteStore) forEach(query string, fn func(*TileRecord) error, args ...any) error {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanMetaRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return iterErr(err)
		}
	}

	return rows.Err()
}

func (s *SQLiteStore) TotalBytes() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(byte_size), 0) FROM tiles`).Scan(&total)
	if err != nil {
		return 0, err
	}

	return total, nil
}

func (s *SQLiteStore) Meta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	return value, nil
}

func (s *SQLiteStore) SetMeta(key, value string) error {
	query := `INSERT INTO meta (key, value)
	VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`

	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TileRecord, error) {
	var (
		rec                 TileRecord
		createdAt, accessed int64
	)
	err := row.Scan(&rec.Key, &rec.Provider, &rec.Z, &rec.X, &rec.Y,
		&rec.Payload, &rec.ByteSize, &createdAt, &accessed, &rec.AccessCount)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = time.Unix(0, createdAt)
	rec.LastAccessedAt = time.Unix(0, accessed)

	return &rec, nil
}

func scanMetaRecord(row rowScanner) (*TileRecord, error) {
	var (
		rec                 TileRecord
		createdAt, accessed int64
	)
	err := row.Scan(&rec.Key, &rec.Provider, &rec.Z, &rec.X, &rec.Y,
		&rec.ByteSize, &createdAt, &accessed, &rec.AccessCount)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = time.Unix(0, createdAt)
	rec.LastAccessedAt = time.Unix(0, accessed)

	return &rec, nil
}
