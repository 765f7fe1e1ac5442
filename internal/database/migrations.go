package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/leads"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillActivitySource = "2026-09-14_backfill_activity_source"

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
		{name: migrationBackfillActivitySource, apply: backfillActivitySource},
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

// backfillActivitySource assigns a feed source to activities stored before sources were split.
func backfillActivitySource(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&leads.Activity{}).
			Where("source = '' AND kind = ?", string(activity.KindMessageSent)).
			Update("source", leads.SourceMessages).Error; err != nil {
			return err
		}
		return tx.Model(&leads.Activity{}).
			Where("source = ''").
			Update("source", leads.SourceTimeline).Error
	})
}
