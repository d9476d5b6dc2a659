package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMutationEntityKeys = "2026-09-30_backfill_mutation_entity_keys"
	migrationDefaultMutationPriority    = "2026-10-06_default_mutation_priority"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMutationEntityKeys, apply: backfillMutationEntityKeys},
		{name: migrationDefaultMutationPriority, apply: defaultMutationPriority},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Queues written before per-entity ordering keyed CREATEs only by temp id.
func backfillMutationEntityKeys(db *gorm.DB) error {
	return db.Model(&store.PendingMutation{}).
		Where("entity_key = '' AND temp_id <> ''").
		Update("entity_key", gorm.Expr("temp_id")).Error
}

func defaultMutationPriority(db *gorm.DB) error {
	return db.Model(&store.PendingMutation{}).
		Where("priority = '' OR priority IS NULL").
		Update("priority", store.PriorityNormal).Error
}
