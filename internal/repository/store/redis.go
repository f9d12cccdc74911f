package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout: one hash per tile under tile:<key>, a sorted set
// tiles:recency scoring keys by last access, one set of keys per provider
// under tiles:provider:<id>, the running byte total in tiles:total_bytes
// and named scalars under tiles:meta:<name>.
//
// Entries carry no TTL. Lifecycle is owned by budget eviction, and an
// expiry firing behind the store's back would corrupt the byte accounting.
const (
	redisTilePrefix     = "tile:"
	redisRecencyKey     = "tiles:recency"
	redisProviderPrefix = "tiles:provider:"
	redisTotalKey       = "tiles:total_bytes"
	redisScalarPrefix   = "tiles:meta:"
)

// RedisStore persists tiles in a redis instance, for deployments where
// several viewer processes share one cache.
type RedisStore struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

var _ TileStore = (*RedisStore)(nil)

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// recencyScore feeds the sorted set. Milliseconds keep the score inside
// float64 integer precision; sub-millisecond ties fall back to redis's
// lexicographic member order, which matches the key tie-break.
func recencyScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}

func (s *RedisStore) Get(key string) (*TileRecord, error) {
	ctx := context.Background()

	fields, err := s.client.HGetAll(ctx, redisTilePrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec, err := recordFromHash(key, fields)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(fields["payload"])

	return rec, nil
}

func (s *RedisStore) Put(rec *TileRecord) error {
	ctx := context.Background()

	cp := *rec
	cp.ByteSize = int64(len(cp.Payload))

	prev, err := s.client.HMGet(ctx, redisTilePrefix+cp.Key, "byte_size", "created_at", "access_count").Result()
	if err != nil {
		return fmt.Errorf("redis put error: %w", err)
	}

	var prevSize int64
	if prev[0] != nil {
		prevSize, _ = strconv.ParseInt(prev[0].(string), 10, 64)
		if created, err := strconv.ParseInt(prev[1].(string), 10, 64); err == nil {
			cp.CreatedAt = time.Unix(0, created)
		}
		if count, err := strconv.ParseInt(prev[2].(string), 10, 64); err == nil {
			cp.AccessCount = count
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisTilePrefix+cp.Key, map[string]any{
			"payload":          cp.Payload,
			"provider":         cp.Provider,
			"z":                cp.Z,
			"x":                cp.X,
			"y":                cp.Y,
			"byte_size":        cp.ByteSize,
			"created_at":       cp.CreatedAt.UnixNano(),
			"last_accessed_at": cp.LastAccessedAt.UnixNano(),
			"access_count":     cp.AccessCount,
		})
		pipe.ZAdd(ctx, redisRecencyKey, redis.Z{Score: recencyScore(cp.LastAccessedAt), Member: cp.Key})
		pipe.SAdd(ctx, redisProviderPrefix+cp.Provider, cp.Key)
		pipe.IncrBy(ctx, redisTotalKey, cp.ByteSize-prevSize)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put error: %w", err)
	}

	return nil
}

func (s *RedisStore) Delete(key string) error {
	ctx := context.Background()

	prev, err := s.client.HMGet(ctx, redisTilePrefix+key, "byte_size", "provider").Result()
	if err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	if prev[0] == nil {
		return nil
	}

	size, _ := strconv.ParseInt(prev[0].(string), 10, 64)
	provider, _ := prev[1].(string)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisTilePrefix+key)
		pipe.ZRem(ctx, redisRecencyKey, key)
		pipe.SRem(ctx, redisProviderPrefix+provider, key)
		pipe.DecrBy(ctx, redisTotalKey, size)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}

	return nil
}

func (s *RedisStore) Touch(key string, at time.Time) error {
	ctx := context.Background()

	exists, err := s.client.Exists(ctx, redisTilePrefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis touch error: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisTilePrefix+key, "last_accessed_at", at.UnixNano())
		pipe.HIncrBy(ctx, redisTilePrefix+key, "access_count", 1)
		pipe.ZAdd(ctx, redisRecencyKey, redis.Z{Score: recencyScore(at), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis touch error: %w", err)
	}

	return nil
}

func (s *RedisStore) Has(key string) (bool, error) {
	ctx := context.Background()

	exists, err := s.client.Exists(ctx, redisTilePrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis has error: %w", err)
	}

	return exists > 0, nil
}

func (s *RedisStore) ForEachByProvider(provider string, fn func(*TileRecord) error) error {
	ctx := context.Background()

	keys, err := s.client.SMembers(ctx, redisProviderPrefix+provider).Result()
	if err != nil {
		return fmt.Errorf("redis provider scan error: %w", err)
	}

	return s.forEachKeys(ctx, keys, fn)
}

func (s *RedisStore) ForEachByRecency(fn func(*TileRecord) error) error {
	ctx := context.Background()

	keys, err := s.client.ZRange(ctx, redisRecencyKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis recency scan error: %w", err)
	}

	return s.forEachKeys(ctx, keys, fn)
}

func (s *RedisStore) forEachKeys(ctx context.Context, keys []string, fn func(*TileRecord) error) error {
	for _, key := range keys {
		fields, err := s.client.HMGet(ctx, redisTilePrefix+key,
			"provider", "z", "x", "y", "byte_size", "created_at", "last_accessed_at", "access_count").Result()
		if err != nil {
			return fmt.Errorf("redis scan error: %w", err)
		}
		// Entry deleted between index read and hash read.
		if fields[0] == nil {
			continue
		}

		named := map[string]string{
			"provider":         asString(fields[0]),
			"z":                asString(fields[1]),
			"x":                asString(fields[2]),
			"y":                asString(fields[3]),
			"byte_size":        asString(fields[4]),
			"created_at":       asString(fields[5]),
			"last_accessed_at": asString(fields[6]),
			"access_count":     asString(fields[7]),
		}
		rec, err := recordFromHash(key, named)
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return iterErr(err)
		}
	}

	return nil
}

func (s *RedisStore) TotalBytes() (int64, error) {
	ctx := context.Background()

	total, err := s.client.Get(ctx, redisTotalKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis total error: %w", err)
	}

	return total, nil
}

func (s *RedisStore) Meta(key string) (string, error) {
	ctx := context.Background()

	value, err := s.client.Get(ctx, redisScalarPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis meta error: %w", err)
	}

	return value, nil
}

func (s *RedisStore) SetMeta(key, value string) error {
	ctx := context.Background()

	if err := s.client.Set(ctx, redisScalarPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis meta error: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordFromHash(key string, fields map[string]string) (*TileRecord, error) {
	z, err := strconv.Atoi(fields["z"])
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	x, err := strconv.Atoi(fields["x"])
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	y, err := strconv.Atoi(fields["y"])
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	size, err := strconv.ParseInt(fields["byte_size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	accessed, err := strconv.ParseInt(fields["last_accessed_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}
	count, err := strconv.ParseInt(fields["access_count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt tile hash %q: %w", key, err)
	}

	return &TileRecord{
		Key:            key,
		Provider:       fields["provider"],
		Z:              z,
		X:              x,
		Y:              y,
		ByteSize:       size,
		CreatedAt:      time.Unix(0, created),
		LastAccessedAt: time.Unix(0, accessed),
		AccessCount:    count,
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
