// Package cache stores query results on the device so reads can be served
// while the authority is unreachable.
package cache

import (
	"context"
	"strings"
	"time"
)

// Entry is one cached query result
type Entry struct {
	Key       string        `json:"key"`
	Data      []byte        `json:"data"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is younger than its TTL
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Age returns how long ago the data was fetched
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Store is the local cache of query results. Get returns nil without error
// on a miss; stale entries are returned and left to the caller to judge.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Invalidate removes one key, or every key sharing a prefix when the
	// argument ends with "*"
	Invalidate(ctx context.Context, keyOrPrefix string) error
	Close() error
}

// InvalidateAll invalidates each key in turn and stops at the first error
func InvalidateAll(ctx context.Context, s Store, keys []string) error {
	for _, key := range keys {
		if err := s.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// PrefixPattern turns a prefix into an Invalidate argument
func PrefixPattern(prefix string) string {
	return prefix + "*"
}

// Matches reports whether an Invalidate argument covers key
func Matches(keyOrPrefix, key string) bool {
	pattern, isPrefix := splitPattern(keyOrPrefix)
	if isPrefix {
		return strings.HasPrefix(key, pattern)
	}
	return pattern == key
}

func splitPattern(keyOrPrefix string) (string, bool) {
	if strings.HasSuffix(keyOrPrefix, "*") {
		return strings.TrimSuffix(keyOrPrefix, "*"), true
	}
	return keyOrPrefix, false
}
