package models

import (
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/shopspring/decimal"
)

// InstallmentModel is the persistence model for fee installments. The same
// table layout is used by the device ledger and by the authority.
type InstallmentModel struct {
	BaseModel
	SchoolID         string          `gorm:"type:varchar(64);not null;index:idx_installment_school_student,priority:1"`
	StudentID        string          `gorm:"type:varchar(64);not null;index:idx_installment_school_student,priority:2"`
	Amount           decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	DueDate          time.Time       `gorm:"not null;index"`
	PaidAmount       decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	PaidDate         *time.Time
	IsPaid           bool           `gorm:"not null;default:false"`
	ReceiptNumber    string         `gorm:"type:varchar(64);index"`
	ReceiptSequence  int64          `gorm:"not null;default:0"`
	ReceiptScope     string         `gorm:"type:varchar(128)"`
	ReceiptTentative bool           `gorm:"not null;default:false"`
	SyncStatus       fee.SyncStatus `gorm:"type:varchar(20);not null;index"`
}

// TableName returns the table name for GORM
func (InstallmentModel) TableName() string {
	return "installments"
}

// ToDomain converts the persistence model to a domain Installment
func (m *InstallmentModel) ToDomain() *fee.Installment {
	return &fee.Installment{
		BaseEntity:       m.BaseModel.ToDomain(),
		SchoolID:         m.SchoolID,
		StudentID:        m.StudentID,
		Amount:           m.Amount,
		DueDate:          m.DueDate,
		PaidAmount:       m.PaidAmount,
		PaidDate:         m.PaidDate,
		IsPaid:           m.IsPaid,
		ReceiptNumber:    m.ReceiptNumber,
		ReceiptSequence:  m.ReceiptSequence,
		ReceiptScope:     m.ReceiptScope,
		ReceiptTentative: m.ReceiptTentative,
		SyncStatus:       m.SyncStatus,
	}
}

// FromDomain populates the persistence model from a domain Installment
func (m *InstallmentModel) FromDomain(i *fee.Installment) {
	m.FromDomainBaseEntity(i.BaseEntity)
	m.SchoolID = i.SchoolID
	m.StudentID = i.StudentID
	m.Amount = i.Amount
	m.DueDate = i.DueDate
	m.PaidAmount = i.PaidAmount
	m.PaidDate = i.PaidDate
	m.IsPaid = i.IsPaid
	m.ReceiptNumber = i.ReceiptNumber
	m.ReceiptSequence = i.ReceiptSequence
	m.ReceiptScope = i.ReceiptScope
	m.ReceiptTentative = i.ReceiptTentative
	m.SyncStatus = i.SyncStatus
}

// InstallmentModelFromDomain creates a new persistence model from a domain Installment
func InstallmentModelFromDomain(i *fee.Installment) *InstallmentModel {
	m := &InstallmentModel{}
	m.FromDomain(i)
	return m
}
