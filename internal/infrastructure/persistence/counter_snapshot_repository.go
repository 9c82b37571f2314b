package persistence

import (
	"context"
	"errors"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCounterSnapshotRepository keeps the device's copy of receipt counters
type GormCounterSnapshotRepository struct {
	db *gorm.DB
}

// NewGormCounterSnapshotRepository creates a new snapshot repository
func NewGormCounterSnapshotRepository(db *gorm.DB) *GormCounterSnapshotRepository {
	return &GormCounterSnapshotRepository{db: db}
}

// Get returns the snapshot for a scope, or nil when the scope is unknown
func (r *GormCounterSnapshotRepository) Get(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	var model models.CounterSnapshotModel
	err := r.db.WithContext(ctx).
		Where("school_id = ? AND document_type = ? AND year = ?", scope.SchoolID, scope.DocumentType, scope.Year).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save upserts the snapshot. An older counter value never overwrites a newer one.
func (r *GormCounterSnapshotRepository) Save(ctx context.Context, counter *fee.ReceiptCounter) error {
	var model models.CounterSnapshotModel
	model.FromDomain(counter)

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "school_id"}, {Name: "document_type"}, {Name: "year"}},
			DoUpdates: clause.Assignments(map[string]any{
				"prefix":     model.Prefix,
				"format":     model.Format,
				"counter":    gorm.Expr("CASE WHEN counter_snapshots.counter > ? THEN counter_snapshots.counter ELSE ? END", model.Counter, model.Counter),
				"updated_at": model.UpdatedAt,
			}),
		}).
		Create(&model).Error
}

var _ fee.CounterSnapshotRepository = (*GormCounterSnapshotRepository)(nil)
