package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedgerRepository implements fee.LedgerRepository on the device database
type GormLedgerRepository struct {
	db *gorm.DB
}

// NewGormLedgerRepository creates a new ledger repository
func NewGormLedgerRepository(db *gorm.DB) *GormLedgerRepository {
	return &GormLedgerRepository{db: db}
}

// FindByID finds an installment by ID
func (r *GormLedgerRepository) FindByID(ctx context.Context, id uuid.UUID) (*fee.Installment, error) {
	var model models.InstallmentModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.Wrap(shared.ErrNotFound, fmt.Sprintf("installment %s not found", id))
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByReceiptNumber finds the installment carrying a receipt number
func (r *GormLedgerRepository) FindByReceiptNumber(ctx context.Context, number string) (*fee.Installment, error) {
	if number == "" {
		return nil, shared.Wrap(shared.ErrInvalidInput, "receipt number cannot be empty")
	}
	var model models.InstallmentModel
	if err := r.db.WithContext(ctx).Where("receipt_number = ?", number).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.Wrap(shared.ErrNotFound, fmt.Sprintf("receipt %s not found", number))
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Find returns installments matching the query
func (r *GormLedgerRepository) Find(ctx context.Context, q fee.Query) ([]fee.Installment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var rows []models.InstallmentModel
	if err := ApplyInstallmentQuery(r.db.WithContext(ctx), q).
		Order("due_date ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toInstallments(rows), nil
}

// Save inserts a new installment or updates the stored row it was read
// from. An update whose row has moved past the version it was read at fails
// with ErrStaleVersion and changes nothing. Save leaves inst untouched, so a
// rolled back transaction cannot leave it looking stored.
func (r *GormLedgerRepository) Save(ctx context.Context, inst *fee.Installment) error {
	model := models.InstallmentModelFromDomain(inst)
	db := r.db.WithContext(ctx)

	expected := inst.StoredVersion()
	if expected == 0 {
		err := db.Create(model).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.Wrap(shared.ErrAlreadyExists, fmt.Sprintf("installment %s already exists", inst.ID))
		}
		return err
	}

	result := db.Model(&models.InstallmentModel{}).
		Where("id = ? AND version = ?", inst.ID, expected).
		Select("*").
		UpdateColumns(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.Wrap(shared.ErrStaleVersion,
			fmt.Sprintf("installment %s changed since it was read at version %d", inst.ID, expected))
	}
	return nil
}

// MergeRemote stores installments fetched from the authority. Rows that
// still carry local changes (pending sync or under review) are left alone.
func (r *GormLedgerRepository) MergeRemote(ctx context.Context, insts []fee.Installment) error {
	if len(insts) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uuid.UUID, len(insts))
		for i := range insts {
			ids[i] = insts[i].ID
		}

		var dirty []uuid.UUID
		if err := tx.Model(&models.InstallmentModel{}).
			Where("id IN ? AND sync_status <> ?", ids, fee.SyncStatusSynced).
			Pluck("id", &dirty).Error; err != nil {
			return err
		}
		skip := make(map[uuid.UUID]struct{}, len(dirty))
		for _, id := range dirty {
			skip[id] = struct{}{}
		}

		for i := range insts {
			if _, ok := skip[insts[i].ID]; ok {
				continue
			}
			inst := insts[i]
			inst.SyncStatus = fee.SyncStatusSynced
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
				Create(models.InstallmentModelFromDomain(&inst)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyInstallmentQuery translates a closed query shape into SQL filters.
// The authority store uses the same translation.
func ApplyInstallmentQuery(db *gorm.DB, q fee.Query) *gorm.DB {
	db = db.Model(&models.InstallmentModel{})
	if q.SchoolID != "" {
		db = db.Where("school_id = ?", q.SchoolID)
	}
	if q.StudentID != "" {
		db = db.Where("student_id = ?", q.StudentID)
	}
	switch q.Status {
	case fee.InstallmentStatusUnpaid:
		db = db.Where("paid_amount = 0")
	case fee.InstallmentStatusPartial:
		db = db.Where("paid_amount > 0 AND is_paid = ?", false)
	case fee.InstallmentStatusPaid:
		db = db.Where("is_paid = ?", true)
	}
	return db
}

func toInstallments(rows []models.InstallmentModel) []fee.Installment {
	out := make([]fee.Installment, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out
}

var _ fee.LedgerRepository = (*GormLedgerRepository)(nil)
