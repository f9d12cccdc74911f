package store

import (
	"fmt"

	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
)

// New builds the TileStore selected by cfg.Type.
func New(cfg config.Store, l logger.Logger) (TileStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, l)
	case "filesystem":
		return NewFilesystemStore(cfg.FilesystemDir, l)
	case "badger":
		return NewBadgerStore(cfg.BadgerDir, l)
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
