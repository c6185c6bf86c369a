package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/feedrelay/internal/models"
)

// AllMigrations returns all registered migrations in order.
//   - 001: feed_stats_snapshots
//   - 002: feed_transitions
func AllMigrations() []Migration {
	return []Migration{
		createTable("001", "Create feed stats snapshots", &models.FeedStatsSnapshot{}),
		createTable("002", "Create feed transitions", &models.FeedTransition{}),
	}
}

func createTable(version, description string, model any) Migration {
	return Migration{
		Version:     version,
		Description: description,
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(model)
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasTable(model) {
				return nil
			}
			return tx.Migrator().DropTable(model)
		},
	}
}
