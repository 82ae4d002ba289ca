package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ensemble-studio/ensemble/internal/access"
)

const migrationBackfillDisplayNames = "2026-07-10_backfill_identity_display_names"

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
		{name: migrationBackfillDisplayNames, apply: backfillIdentityDisplayNames},
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

// backfillIdentityDisplayNames fills empty display names with the email local
// part so presence entries never render blank for rows created before the
// display name column existed.
func backfillIdentityDisplayNames(db *gorm.DB) error {
	return db.Model(&access.Identity{}).
		Where("user_display_name = '' AND instr(user_email, '@') > 1").
		Update("user_display_name", gorm.Expr("substr(user_email, 1, instr(user_email, '@') - 1)")).Error
}
