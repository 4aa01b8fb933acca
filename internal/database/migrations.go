package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectio-app/lectio/internal/words"
)

const migrationUpgradeLegacyDefinitions = "2026-10-01_upgrade_legacy_definitions"

const definitionBatchSize = 200

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUpgradeLegacyDefinitions, apply: upgradeLegacyDefinitions},
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
		if err := migration.apply(db, logger); err != nil {
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

// upgradeLegacyDefinitions rewrites plain-string definitions in place as
// structured entries. Reads upgrade them anyway; this keeps stored rows
// uniform for external readers.
func upgradeLegacyDefinitions(db *gorm.DB, logger *zap.Logger) error {
	upgraded := 0
	var batch []words.WordDefinition
	err := db.Model(&words.WordDefinition{}).FindInBatches(&batch, definitionBatchSize, func(_ *gorm.DB, _ int) error {
		for _, definition := range batch {
			payload, changed, err := words.UpgradeStoredEntry(definition.EntryJSON)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := db.Model(&words.WordDefinition{}).
				Where("id = ?", definition.ID).
				Update("entry_json", payload).Error; err != nil {
				return err
			}
			upgraded++
		}
		return nil
	}).Error
	if err != nil {
		return err
	}
	if logger != nil && upgraded > 0 {
		logger.Info("legacy definitions upgraded", zap.Int("definitions", upgraded))
	}
	return nil
}
