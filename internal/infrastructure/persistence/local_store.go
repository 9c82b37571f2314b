package persistence

import (
	"context"

	"github.com/feedesk/backend/internal/domain/fee"
	"gorm.io/gorm"
)

// LocalStore bundles the device repositories over one gorm handle
type LocalStore struct {
	db       *gorm.DB
	ledger   *GormLedgerRepository
	counters *GormCounterSnapshotRepository
	writes   *GormPendingWriteRepository
}

// NewLocalStore creates a LocalStore bound to db
func NewLocalStore(db *gorm.DB) *LocalStore {
	return &LocalStore{
		db:       db,
		ledger:   NewGormLedgerRepository(db),
		counters: NewGormCounterSnapshotRepository(db),
		writes:   NewGormPendingWriteRepository(db),
	}
}

func (s *LocalStore) Ledger() fee.LedgerRepository            { return s.ledger }
func (s *LocalStore) Counters() fee.CounterSnapshotRepository { return s.counters }
func (s *LocalStore) Writes() fee.PendingWriteRepository      { return s.writes }

// Transaction runs fn with repositories bound to one SQLite transaction
func (s *LocalStore) Transaction(ctx context.Context, fn func(tx fee.LocalStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewLocalStore(tx))
	})
}

var _ fee.LocalStore = (*LocalStore)(nil)
