package models

import "time"

// CacheEntryModel stores one cached query result on the device
type CacheEntryModel struct {
	CacheKey  string    `gorm:"type:varchar(512);primaryKey"`
	Data      []byte    `gorm:"not null"`
	FetchedAt time.Time `gorm:"not null"`
	TTL       int64     `gorm:"not null"` // nanoseconds
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (CacheEntryModel) TableName() string {
	return "cache_entries"
}
