// Package remote implements fee.RemoteStore: the authoritative store itself
// (GormStore) and the device-side client that reaches it over HTTP (HTTPStore).
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/persistence"
	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CounterDefaults are applied to counters created on first use
type CounterDefaults struct {
	Prefix func(fee.DocumentType) string
	Format string
}

// GormStore is the authoritative installment and receipt counter store
type GormStore struct {
	db       *gorm.DB
	validate *validator.Validate
	defaults CounterDefaults
	logger   *zap.Logger
}

// GormStoreOption configures a GormStore
type GormStoreOption func(*GormStore)

// WithCounterDefaults sets prefix and format for new counters
func WithCounterDefaults(d CounterDefaults) GormStoreOption {
	return func(s *GormStore) {
		s.defaults = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) GormStoreOption {
	return func(s *GormStore) {
		s.logger = logger.OrNop(l)
	}
}

// NewGormStore creates the authoritative store over db
func NewGormStore(db *gorm.DB, opts ...GormStoreOption) *GormStore {
	s := &GormStore{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		defaults: CounterDefaults{
			Prefix: fee.DocumentType.DefaultPrefix,
			Format: fee.DefaultReceiptFormat,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListInstallments returns installments matching the query
func (s *GormStore) ListInstallments(ctx context.Context, q fee.Query) ([]fee.Installment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var rows []models.InstallmentModel
	if err := persistence.ApplyInstallmentQuery(s.db.WithContext(ctx), q).
		Order("due_date ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}

	out := make([]fee.Installment, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out, nil
}

// CreateInstallment stores a new installment after validation
func (s *GormStore) CreateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	var stored *fee.Installment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.InstallmentModel{}).Where("id = ?", inst.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return shared.Wrap(shared.ErrAlreadyExists, fmt.Sprintf("installment %s already exists", inst.ID))
		}
		if err := s.validateInstallment(tx, inst, nil); err != nil {
			return err
		}

		model := models.InstallmentModelFromDomain(inst)
		model.SyncStatus = fee.SyncStatusSynced
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		stored = model.ToDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateInstallment replaces an installment after validation. A receipt
// number, once stored, cannot change, and stale versions are rejected.
func (s *GormStore) UpdateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	var stored *fee.Installment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.InstallmentModel
		if err := tx.Where("id = ?", inst.ID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return shared.Wrap(shared.ErrNotFound, fmt.Sprintf("installment %s not found", inst.ID))
			}
			return err
		}
		if err := s.validateInstallment(tx, inst, existing.ToDomain()); err != nil {
			return err
		}

		model := models.InstallmentModelFromDomain(inst)
		model.SyncStatus = fee.SyncStatusSynced
		model.CreatedAt = existing.CreatedAt
		if err := tx.Save(model).Error; err != nil {
			return err
		}
		stored = model.ToDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *GormStore) validateInstallment(tx *gorm.DB, inst *fee.Installment, existing *fee.Installment) error {
	if err := s.validate.Struct(inst); err != nil {
		return shared.Wrap(shared.ErrValidationRejected, err.Error())
	}
	if err := inst.CheckInvariants(); err != nil {
		return shared.Wrap(shared.ErrValidationRejected, err.Error())
	}
	if inst.ReceiptTentative {
		return shared.Wrap(shared.ErrValidationRejected, "tentative receipt numbers must be confirmed before commit")
	}

	if existing != nil {
		if inst.Version < existing.Version {
			return shared.Wrap(shared.ErrValidationRejected,
				fmt.Sprintf("stale installment version %d, stored version is %d", inst.Version, existing.Version))
		}
		if existing.HasReceipt() && inst.ReceiptNumber != existing.ReceiptNumber {
			return shared.Wrap(shared.ErrValidationRejected,
				fmt.Sprintf("receipt number %s cannot be replaced by %s", existing.ReceiptNumber, inst.ReceiptNumber))
		}
		if existing.HasReceipt() {
			return nil
		}
	}

	if inst.ReceiptSequence > 0 {
		scope, err := fee.ParseScope(inst.ReceiptScope)
		if err != nil {
			return shared.Wrap(shared.ErrValidationRejected, err.Error())
		}
		var counter models.ReceiptCounterModel
		err = tx.Where("school_id = ? AND document_type = ? AND year = ?", scope.SchoolID, scope.DocumentType, scope.Year).
			First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && counter.Counter < inst.ReceiptSequence) {
			return shared.Wrap(shared.ErrValidationRejected,
				fmt.Sprintf("receipt sequence %d was never issued for %s", inst.ReceiptSequence, scope))
		}
		if err != nil {
			return err
		}
	}

	if inst.HasReceipt() {
		var clash int64
		if err := tx.Model(&models.InstallmentModel{}).
			Where("receipt_number = ? AND id <> ?", inst.ReceiptNumber, inst.ID).
			Count(&clash).Error; err != nil {
			return err
		}
		if clash > 0 {
			return shared.Wrap(shared.ErrValidationRejected,
				fmt.Sprintf("receipt number %s is already used", inst.ReceiptNumber))
		}
	}
	return nil
}

// IncrementCounter advances the scope counter with a conditional update.
// If another writer moved the counter between read and update, no row
// matches and shared.ErrCounterConflict is returned.
func (s *GormStore) IncrementCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	current, err := s.loadOrCreateCounter(db, scope)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	moved, err := advanceCounter(db, scope, current.Counter, now)
	if err != nil {
		return nil, fmt.Errorf("increment counter %s: %w", scope, err)
	}
	if !moved {
		s.logger.Debug("counter conflict", zap.String("scope", scope.Key()), zap.Int64("expected", current.Counter))
		return nil, shared.Wrap(shared.ErrCounterConflict,
			fmt.Sprintf("counter %s moved past %d", scope, current.Counter))
	}

	current.Counter++
	current.UpdatedAt = now
	return current.ToDomain(), nil
}

// GetCounter returns the counter; an unused scope is reported at zero
func (s *GormStore) GetCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var model models.ReceiptCounterModel
	err := s.db.WithContext(ctx).
		Where("school_id = ? AND document_type = ? AND year = ?", scope.SchoolID, scope.DocumentType, scope.Year).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.newCounter(scope).ToDomain(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get counter %s: %w", scope, err)
	}
	return model.ToDomain(), nil
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// advanceCounter moves the counter from expected to expected+1. It reports
// false when the stored value is no longer expected.
func advanceCounter(db *gorm.DB, scope fee.Scope, expected int64, now time.Time) (bool, error) {
	result := db.Model(&models.ReceiptCounterModel{}).
		Where("school_id = ? AND document_type = ? AND year = ? AND counter = ?",
			scope.SchoolID, scope.DocumentType, scope.Year, expected).
		Updates(map[string]any{
			"counter":    expected + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) loadOrCreateCounter(db *gorm.DB, scope fee.Scope) (*models.ReceiptCounterModel, error) {
	fresh := s.newCounter(scope)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("create counter %s: %w", scope, err)
	}

	var current models.ReceiptCounterModel
	if err := db.Where("school_id = ? AND document_type = ? AND year = ?", scope.SchoolID, scope.DocumentType, scope.Year).
		First(&current).Error; err != nil {
		return nil, fmt.Errorf("read counter %s: %w", scope, err)
	}
	return &current, nil
}

func (s *GormStore) newCounter(scope fee.Scope) *models.ReceiptCounterModel {
	c := fee.NewReceiptCounter(scope)
	if s.defaults.Prefix != nil {
		if p := s.defaults.Prefix(scope.DocumentType); p != "" {
			c.Prefix = p
		}
	}
	if s.defaults.Format != "" {
		c.Format = s.defaults.Format
	}
	var m models.ReceiptCounterModel
	m.FromDomain(c)
	return &m
}

// FindInstallment returns one installment, used by the HTTP API
func (s *GormStore) FindInstallment(ctx context.Context, id uuid.UUID) (*fee.Installment, error) {
	var model models.InstallmentModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.Wrap(shared.ErrNotFound, fmt.Sprintf("installment %s not found", id))
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

var _ fee.RemoteStore = (*GormStore)(nil)
