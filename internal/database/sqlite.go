package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InMemoryPath is the SQLite DSN used when the file database cannot be opened.
const InMemoryPath = "file::memory:?cache=shared"

// OpenSQLite establishes a SQLite connection, migrates the local store schema and
// returns interrupted in-flight mutations to the queue.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(store.Models(), &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, log); err != nil {
		return nil, err
	}

	if reset, err := resetInFlight(db); err != nil {
		return nil, err
	} else if reset > 0 && log != nil {
		log.Info("in-flight mutations returned to queue", zap.Int64("count", reset))
	}

	if log != nil {
		log.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenWithFallback opens the database at path and falls back to a process-local in-memory database
// when the file cannot be used. The second return value reports whether the fallback is active.
func OpenWithFallback(path string, log *zap.Logger) (*gorm.DB, bool, error) {
	db, err := OpenSQLite(path, log)
	if err == nil {
		return db, false, nil
	}
	if log != nil {
		log.Warn("local database unavailable, using in-memory store",
			zap.String("path", path),
			zap.Error(err))
	}
	memoryDB, memoryErr := OpenSQLite(InMemoryPath, log)
	if memoryErr != nil {
		return nil, false, fmt.Errorf("open in-memory fallback: %w", memoryErr)
	}
	return memoryDB, true, nil
}

func resetInFlight(db *gorm.DB) (int64, error) {
	result := db.Model(&store.PendingMutation{}).
		Where("status = ?", store.StatusInFlight).
		Update("status", store.StatusPending)
	return result.RowsAffected, result.Error
}
