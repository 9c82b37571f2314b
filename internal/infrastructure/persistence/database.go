package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/feedesk/backend/internal/infrastructure/config"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/persistence/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Database holds a gorm connection
type Database struct {
	DB *gorm.DB
}

// NewDatabase connects to the authority PostgreSQL database
func NewDatabase(cfg *config.DatabaseConfig, zapLogger *zap.Logger, level gormlogger.LogLevel) (*Database, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:                 logger.NewGormLogger(zapLogger, level),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{DB: db}, nil
}

// NewLocalDatabase opens the device SQLite database and migrates the local
// tables: ledger, counter snapshots, pending writes and cached query results
func NewLocalDatabase(path string, zapLogger *zap.Logger, level gormlogger.LogLevel) (*Database, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.NewGormLogger(zapLogger, level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local database %s: %w", path, err)
	}

	// SQLite allows a single writer; one connection also keeps :memory: alive
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := MigrateLocal(db); err != nil {
		return nil, err
	}
	return &Database{DB: db}, nil
}

// MigrateLocal creates or updates the device tables
func MigrateLocal(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.InstallmentModel{},
		&models.CounterSnapshotModel{},
		&models.PendingWriteModel{},
		&models.CacheEntryModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate local database: %w", err)
	}
	return nil
}

// MigrateAuthority creates the authority tables with gorm; production uses
// the SQL migrations instead
func MigrateAuthority(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.InstallmentModel{}, &models.ReceiptCounterModel{}); err != nil {
		return fmt.Errorf("failed to migrate authority database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
