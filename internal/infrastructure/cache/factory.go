package cache

import (
	"context"
	"fmt"

	"github.com/feedesk/backend/internal/infrastructure/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreFactory picks the cache backend from configuration
type StoreFactory struct {
	cacheConfig         config.CacheConfig
	redisConfig         config.RedisConfig
	db                  *gorm.DB
	logger              *zap.Logger
	allowSQLiteFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithSQLiteFallback controls whether an unreachable Redis falls back to
// the local database. Default is true.
func WithSQLiteFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowSQLiteFallback = allow
	}
}

// NewStoreFactory creates a new factory; db is the device database
func NewStoreFactory(cacheCfg config.CacheConfig, redisCfg config.RedisConfig, db *gorm.DB, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		cacheConfig:         cacheCfg,
		redisConfig:         redisCfg,
		db:                  db,
		logger:              zap.NewNop(),
		allowSQLiteFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateSQLiteStore creates the database-backed store
func (f *StoreFactory) CreateSQLiteStore() *GormStore {
	return NewGormStore(f.db, WithRetention(f.cacheConfig.Retention))
}

// CreateRedisStore creates the Redis-backed store
func (f *StoreFactory) CreateRedisStore(ctx context.Context) (*RedisStore, error) {
	return NewRedisStore(ctx, RedisConfig{
		Addr:      f.redisConfig.Addr(),
		Password:  f.redisConfig.Password,
		DB:        f.redisConfig.DB,
		KeyPrefix: f.cacheConfig.KeyPrefix,
		Retention: f.cacheConfig.Retention,
	})
}

// CreateMemoryStore creates the in-process store
func (f *StoreFactory) CreateMemoryStore() *MemoryStore {
	return NewMemoryStore(WithMemoryRetention(f.cacheConfig.Retention))
}

// CreateStore returns the configured backend. When Redis is selected but
// unreachable it falls back to SQLite if allowed.
func (f *StoreFactory) CreateStore(ctx context.Context) (Store, error) {
	switch f.cacheConfig.Backend {
	case "redis":
	case "memory":
		f.logger.Info("using in-memory query cache")
		return f.CreateMemoryStore(), nil
	default:
		f.logger.Info("using SQLite query cache")
		return f.CreateSQLiteStore(), nil
	}

	store, err := f.CreateRedisStore(ctx)
	if err == nil {
		f.logger.Info("using Redis query cache", zap.String("addr", f.redisConfig.Addr()))
		return store, nil
	}
	if !f.allowSQLiteFallback {
		return nil, fmt.Errorf("redis cache required but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to SQLite query cache", zap.Error(err))
	return f.CreateSQLiteStore(), nil
}
