package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cache entries in Redis. The Redis expiry is the
// retention window, not the freshness TTL, so stale entries stay available
// for offline fallback.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration
}

// NewRedisStore connects to Redis and checks the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "feedesk:cache:"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, retention: retention}
}

// Get returns the entry for key, or nil on a miss
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return &e, nil
}

// Set stores data under key
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	raw, err := json.Marshal(Entry{Key: key, Data: data, FetchedAt: time.Now(), TTL: ttl})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	keep := s.retention
	if keep < ttl {
		keep = ttl
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, raw, keep).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate deletes one key, or scans and deletes every key under a prefix
func (s *RedisStore) Invalidate(ctx context.Context, keyOrPrefix string) error {
	key, isPrefix := splitPattern(keyOrPrefix)
	if !isPrefix {
		return s.client.Del(ctx, s.keyPrefix+key).Err()
	}

	match := escapeGlob(s.keyPrefix+key) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Query fingerprints contain '?', which SCAN MATCH treats as a wildcard
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

var _ Store = (*RedisStore)(nil)
