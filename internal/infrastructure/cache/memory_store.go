package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore keeps cache entries in a map. Nothing survives a restart, so
// it suits tests and devices that never go offline for long.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithMemoryRetention sets how long entries are kept after they were fetched
func WithMemoryRetention(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMemoryClock replaces time.Now, for tests
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory store and starts the goroutine that
// sweeps entries past retention
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]memoryEntry),
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

// Get returns the entry for key, or nil if absent or past retention
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	out := e.entry
	out.Data = append([]byte(nil), e.entry.Data...)
	return &out, nil
}

// Set stores a copy of data under key
func (s *MemoryStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	now := s.now()
	keep := s.retention
	if keep < ttl {
		keep = ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		entry:     Entry{Key: key, Data: append([]byte(nil), data...), FetchedAt: now, TTL: ttl},
		expiresAt: now.Add(keep),
	}
	return nil
}

// Invalidate removes one key or every key under a prefix
func (s *MemoryStore) Invalidate(_ context.Context, keyOrPrefix string) error {
	key, isPrefix := splitPattern(keyOrPrefix)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !isPrefix {
		delete(s.entries, key)
		return nil
	}
	for k := range s.entries {
		if strings.HasPrefix(k, key) {
			delete(s.entries, k)
		}
	}
	return nil
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Len returns the number of entries held, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
