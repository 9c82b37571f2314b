package models

import (
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
)

// ReceiptCounterModel is the authoritative counter row for one scope
type ReceiptCounterModel struct {
	SchoolID     string           `gorm:"type:varchar(64);primaryKey"`
	DocumentType fee.DocumentType `gorm:"type:varchar(32);primaryKey"`
	Year         int              `gorm:"primaryKey;autoIncrement:false"`
	Prefix       string           `gorm:"type:varchar(32);not null"`
	Format       string           `gorm:"type:varchar(128);not null"`
	Counter      int64            `gorm:"not null;default:0"`
	UpdatedAt    time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ReceiptCounterModel) TableName() string {
	return "receipt_counters"
}

// ToDomain converts the persistence model to a domain ReceiptCounter
func (m *ReceiptCounterModel) ToDomain() *fee.ReceiptCounter {
	return &fee.ReceiptCounter{
		Scope: fee.Scope{
			SchoolID:     m.SchoolID,
			DocumentType: m.DocumentType,
			Year:         m.Year,
		},
		Prefix:    m.Prefix,
		Format:    m.Format,
		Counter:   m.Counter,
		UpdatedAt: m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain ReceiptCounter
func (m *ReceiptCounterModel) FromDomain(c *fee.ReceiptCounter) {
	m.SchoolID = c.Scope.SchoolID
	m.DocumentType = c.Scope.DocumentType
	m.Year = c.Scope.Year
	m.Prefix = c.Prefix
	m.Format = c.Format
	m.Counter = c.Counter
	m.UpdatedAt = c.UpdatedAt
}

// CounterSnapshotModel is the device's last known copy of a counter
type CounterSnapshotModel struct {
	ReceiptCounterModel
}

// TableName returns the table name for GORM
func (CounterSnapshotModel) TableName() string {
	return "counter_snapshots"
}
