package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameLegacyStateKeys = "2026-06-12_rename_legacy_state_keys"

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
		{name: migrationRenameLegacyStateKeys, apply: renameLegacyStateKeys},
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

// renameLegacyStateKeys moves state rows written under the early snake_case
// keys to the camelCase keys the store reads. A row is only renamed when no
// row with the new key exists, so newer data always wins.
func renameLegacyStateKeys(db *gorm.DB) error {
	renames := map[string]string{
		"travel_planner_data": "travelPlannerData",
		"travel_schemes":      "travelSchemes",
	}
	for oldKey, newKey := range renames {
		result := db.Exec(
			`UPDATE planner_state SET key = ? WHERE key = ? AND NOT EXISTS (SELECT 1 FROM planner_state WHERE key = ?)`,
			newKey, oldKey, newKey)
		if result.Error != nil {
			return result.Error
		}
		if err := db.Exec(`DELETE FROM planner_state WHERE key = ?`, oldKey).Error; err != nil {
			return err
		}
	}
	return nil
}
