package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps cache entries in the device SQLite database so they
// survive restarts
type GormStore struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

// GormStoreOption configures a GormStore
type GormStoreOption func(*GormStore)

// WithRetention sets how long entries are kept after they were fetched
func WithRetention(d time.Duration) GormStoreOption {
	return func(s *GormStore) {
		s.retention = d
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) GormStoreOption {
	return func(s *GormStore) {
		s.now = now
	}
}

// NewGormStore creates a cache store over db. The cache_entries table must
// already exist (see persistence.MigrateLocal).
func NewGormStore(db *gorm.DB, opts ...GormStoreOption) *GormStore {
	s := &GormStore{
		db:        db,
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key, or nil if absent or past retention
func (s *GormStore) Get(ctx context.Context, key string) (*Entry, error) {
	var m models.CacheEntryModel
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !s.now().Before(m.ExpiresAt) {
		if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&models.CacheEntryModel{}).Error; err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Entry{
		Key:       m.CacheKey,
		Data:      m.Data,
		FetchedAt: m.FetchedAt,
		TTL:       time.Duration(m.TTL),
	}, nil
}

// Set stores data under key, replacing any previous entry
func (s *GormStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := s.now()
	keep := s.retention
	if keep < ttl {
		keep = ttl
	}
	m := models.CacheEntryModel{
		CacheKey:  key,
		Data:      data,
		FetchedAt: now,
		TTL:       int64(ttl),
		ExpiresAt: now.Add(keep),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
}

// Invalidate deletes one key or a prefix
func (s *GormStore) Invalidate(ctx context.Context, keyOrPrefix string) error {
	key, isPrefix := splitPattern(keyOrPrefix)
	q := s.db.WithContext(ctx)
	if isPrefix {
		q = q.Where("cache_key LIKE ? ESCAPE '\\'", escapeLike(key)+"%")
	} else {
		q = q.Where("cache_key = ?", key)
	}
	return q.Delete(&models.CacheEntryModel{}).Error
}

// Purge removes entries past retention
func (s *GormStore) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&models.CacheEntryModel{})
	return result.RowsAffected, result.Error
}

// Close is a no-op; the database handle is owned by the caller
func (s *GormStore) Close() error {
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ Store = (*GormStore)(nil)
