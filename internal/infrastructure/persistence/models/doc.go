// Package models holds the gorm persistence models and their conversion to
// and from domain types. Models are shared by the device SQLite database and
// the authority PostgreSQL database; column types are chosen to work on both.
package models
