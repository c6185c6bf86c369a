// Package migrations tracks and applies schema versions of the stats store.
package migrations

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Migration is one schema version.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord tracks an applied migration.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;size:32;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// Migrator applies registered migrations in version order.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger.With(slog.String("component", "migrations"))}
}

// RegisterAll adds migrations to the registry.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
	slices.SortFunc(m.migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
}

func (m *Migrator) init(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("initializing migrations table: %w", err)
	}
	return nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		m.logger.InfoContext(ctx, "applying migration",
			slog.String("version", mig.Version),
			slog.String("description", mig.Description))

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     mig.Version,
				Description: mig.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", mig.Version, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return err
	}

	var record MigrationRecord
	if err := m.db.WithContext(ctx).Order("version DESC").First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("getting last migration: %w", err)
	}

	idx := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == record.Version })
	if idx < 0 {
		return fmt.Errorf("migration definition not found for version %s", record.Version)
	}
	mig := m.migrations[idx]
	if mig.Down == nil {
		return fmt.Errorf("migration %s does not support rollback", mig.Version)
	}

	m.logger.InfoContext(ctx, "rolling back migration", slog.String("version", mig.Version))
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mig.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", mig.Version).Delete(&MigrationRecord{}).Error
	})
}

// Status returns the state of every registered migration.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationStatus{Version: mig.Version, Description: mig.Description}
		if rec, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &rec.AppliedAt
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]MigrationRecord, error) {
	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting applied migrations: %w", err)
	}
	out := make(map[string]MigrationRecord, len(records))
	for _, r := range records {
		out[r.Version] = r
	}
	return out, nil
}
