package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// invalidator owns cache writes for query results. Every invalidation bumps
// a generation; a read only fills the cache if no invalidation happened
// since it started, so a slow read cannot resurrect pre-write data.
//
// Keys whose invalidation failed stay unsettled. Cached results under an
// unsettled key are never served, and each later cache access retries them.
type invalidator struct {
	cache  cache.Store
	logger *zap.Logger

	mu        sync.Mutex
	gen       uint64
	unsettled map[string]struct{}
}

func newInvalidator(c cache.Store, l *zap.Logger) *invalidator {
	return &invalidator{cache: c, logger: l, unsettled: make(map[string]struct{})}
}

func (v *invalidator) generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

// invalidate drops every cached result the installment could appear in.
// Keys that could not be dropped are withheld from reads until a retry
// succeeds.
func (v *invalidator) invalidate(ctx context.Context, inst *fee.Installment) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	for _, key := range fee.InvalidationKeys(inst) {
		v.unsettled[key] = struct{}{}
	}
	return v.settleLocked(ctx)
}

func (v *invalidator) settleLocked(ctx context.Context) error {
	var errs error
	for key := range v.unsettled {
		if err := v.cache.Invalidate(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalidate %s: %w", key, err))
			continue
		}
		delete(v.unsettled, key)
	}
	return errs
}

// servable reports whether a cached result under key may be returned
func (v *invalidator) servable(ctx context.Context, key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.unsettled) == 0 {
		return true
	}
	if err := v.settleLocked(ctx); err != nil {
		v.logger.Warn("cache invalidation still failing",
			zap.Int("unsettled", len(v.unsettled)), zap.Error(err))
	}
	for pattern := range v.unsettled {
		if cache.Matches(pattern, key) {
			return false
		}
	}
	return true
}

// fill stores a read result unless an invalidation happened after gen. A
// successful write replaces whatever an unsettled invalidation left behind.
func (v *invalidator) fill(ctx context.Context, key string, data []byte, ttl time.Duration, gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return
	}
	if err := v.cache.Set(ctx, key, data, ttl); err != nil {
		v.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	delete(v.unsettled, key)
}
