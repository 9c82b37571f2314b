package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormPendingWriteRepository persists the offline write queue
type GormPendingWriteRepository struct {
	db *gorm.DB
}

// NewGormPendingWriteRepository creates a new pending write repository
func NewGormPendingWriteRepository(db *gorm.DB) *GormPendingWriteRepository {
	return &GormPendingWriteRepository{db: db}
}

// Append assigns the next queue position and stores the write
func (r *GormPendingWriteRepository) Append(ctx context.Context, w *fee.PendingWrite) error {
	var last int64
	if err := r.db.WithContext(ctx).
		Model(&models.PendingWriteModel{}).
		Select("COALESCE(MAX(position), 0)").
		Scan(&last).Error; err != nil {
		return fmt.Errorf("read queue tail: %w", err)
	}

	w.Position = last + 1
	return r.db.WithContext(ctx).Create(models.PendingWriteModelFromDomain(w)).Error
}

// ListOpen returns pending and blocked writes in queue order
func (r *GormPendingWriteRepository) ListOpen(ctx context.Context) ([]*fee.PendingWrite, error) {
	var rows []models.PendingWriteModel
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []fee.PendingWriteStatus{fee.PendingWriteStatusPending, fee.PendingWriteStatusBlocked}).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*fee.PendingWrite, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// FindByID retrieves a single write
func (r *GormPendingWriteRepository) FindByID(ctx context.Context, id uuid.UUID) (*fee.PendingWrite, error) {
	var model models.PendingWriteModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.Wrap(shared.ErrNotFound, fmt.Sprintf("pending write %s not found", id))
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// CountTentative counts open writes in the scope whose number is still tentative
func (r *GormPendingWriteRepository) CountTentative(ctx context.Context, scopeKey string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PendingWriteModel{}).
		Where("scope_key = ? AND tentative_sequence > 0 AND confirmed_sequence = 0", scopeKey).
		Where("status IN ?", []fee.PendingWriteStatus{fee.PendingWriteStatusPending, fee.PendingWriteStatusBlocked}).
		Count(&count).Error
	return count, err
}

// Update stores changes to a write
func (r *GormPendingWriteRepository) Update(ctx context.Context, w *fee.PendingWrite) error {
	w.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Save(models.PendingWriteModelFromDomain(w))
	return result.Error
}

// Delete removes a write once it is committed remotely
func (r *GormPendingWriteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PendingWriteModel{}).Error
}

var _ fee.PendingWriteRepository = (*GormPendingWriteRepository)(nil)
