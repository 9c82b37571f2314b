package shared

import (
	"time"

	"github.com/google/uuid"
)

// Entity is the base interface for all domain entities
type Entity interface {
	GetID() uuid.UUID
	GetCreatedAt() time.Time
	GetUpdatedAt() time.Time
}

// BaseEntity provides common fields for all entities.
// Version is incremented on every mutation and used for optimistic checks
// against the remote store and the device ledger.
type BaseEntity struct {
	ID        uuid.UUID `json:"id"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// version of the stored row this value was read from; zero when unsaved
	storedVersion int
}

// StoredVersion returns the version the entity had when it was read from
// storage. Zero means it did not come from storage.
func (e *BaseEntity) StoredVersion() int {
	return e.storedVersion
}

// MarkStored records that storage holds the current version
func (e *BaseEntity) MarkStored() {
	e.storedVersion = e.Version
}

// GetID returns the entity ID
func (e *BaseEntity) GetID() uuid.UUID {
	return e.ID
}

// GetCreatedAt returns the creation timestamp
func (e *BaseEntity) GetCreatedAt() time.Time {
	return e.CreatedAt
}

// GetUpdatedAt returns the last update timestamp
func (e *BaseEntity) GetUpdatedAt() time.Time {
	return e.UpdatedAt
}

// Touch bumps the version and update timestamp
func (e *BaseEntity) Touch(now time.Time) {
	e.Version++
	e.UpdatedAt = now
}

// NewBaseEntity creates a new base entity with generated ID
func NewBaseEntity() BaseEntity {
	now := time.Now()
	return BaseEntity{
		ID:        uuid.New(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
