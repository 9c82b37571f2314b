package models

import (
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PendingWriteModel is the persistence model for the offline write queue
type PendingWriteModel struct {
	ID                uuid.UUID              `gorm:"type:uuid;primaryKey"`
	Position          int64                  `gorm:"not null;uniqueIndex"`
	Kind              fee.OperationKind      `gorm:"type:varchar(16);not null"`
	Collection        fee.Collection         `gorm:"type:varchar(32);not null"`
	EntityID          uuid.UUID              `gorm:"type:uuid;not null;index"`
	ScopeKey          string                 `gorm:"type:varchar(128);index:idx_pending_scope_status,priority:1"`
	Payload           datatypes.JSON         `gorm:"not null"`
	TentativeNumber   string                 `gorm:"type:varchar(64)"`
	TentativeSequence int64                  `gorm:"not null;default:0"`
	ConfirmedSequence int64                  `gorm:"not null;default:0"`
	Status            fee.PendingWriteStatus `gorm:"type:varchar(20);not null;index:idx_pending_scope_status,priority:2"`
	Attempts          int                    `gorm:"not null;default:0"`
	LastError         string                 `gorm:"type:text"`
	EnqueuedAt        time.Time              `gorm:"not null"`
	UpdatedAt         time.Time              `gorm:"not null"`
}

// TableName returns the table name for GORM
func (PendingWriteModel) TableName() string {
	return "pending_writes"
}

// ToDomain converts the persistence model to a domain PendingWrite
func (m *PendingWriteModel) ToDomain() *fee.PendingWrite {
	return &fee.PendingWrite{
		ID:                m.ID,
		Position:          m.Position,
		Kind:              m.Kind,
		Collection:        m.Collection,
		EntityID:          m.EntityID,
		ScopeKey:          m.ScopeKey,
		Payload:           []byte(m.Payload),
		TentativeNumber:   m.TentativeNumber,
		TentativeSequence: m.TentativeSequence,
		ConfirmedSequence: m.ConfirmedSequence,
		Status:            m.Status,
		Attempts:          m.Attempts,
		LastError:         m.LastError,
		EnqueuedAt:        m.EnqueuedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain PendingWrite
func (m *PendingWriteModel) FromDomain(w *fee.PendingWrite) {
	m.ID = w.ID
	m.Position = w.Position
	m.Kind = w.Kind
	m.Collection = w.Collection
	m.EntityID = w.EntityID
	m.ScopeKey = w.ScopeKey
	m.Payload = datatypes.JSON(w.Payload)
	m.TentativeNumber = w.TentativeNumber
	m.TentativeSequence = w.TentativeSequence
	m.ConfirmedSequence = w.ConfirmedSequence
	m.Status = w.Status
	m.Attempts = w.Attempts
	m.LastError = w.LastError
	m.EnqueuedAt = w.EnqueuedAt
	m.UpdatedAt = w.UpdatedAt
}

// PendingWriteModelFromDomain creates a new persistence model from a domain PendingWrite
func PendingWriteModelFromDomain(w *fee.PendingWrite) *PendingWriteModel {
	m := &PendingWriteModel{}
	m.FromDomain(w)
	return m
}
