package database

import (
	"inference-relay/internal/database/versions/migration_0"
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:      "0",
			Migrate: migration_0.Migration,
		},
	})

	migrator.InitSchema(func(txn *gorm.DB) error {
		// Run by the migrator when no previous migration is detected, so a clean
		// database gets the latest schema directly.
		slog.Info("clean database detected, running full schema initialization")

		return txn.AutoMigrate(&SubmissionRecord{})
	})

	return migrator
}
