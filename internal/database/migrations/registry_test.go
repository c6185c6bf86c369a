package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/feedrelay/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	migs := AllMigrations()
	require.NotEmpty(t, migs)

	seen := make(map[string]bool)
	for i, m := range migs {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		seen[m.Version] = true
		assert.NotEmpty(t, m.Description)
		assert.NotNil(t, m.Up)
		assert.NotNil(t, m.Down)
		if i > 0 {
			assert.Less(t, migs[i-1].Version, m.Version)
		}
	}
}

func TestMigrator_UpCreatesTables(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	require.NoError(t, m.Up(ctx))

	assert.True(t, db.Migrator().HasTable(&models.FeedStatsSnapshot{}))
	assert.True(t, db.Migrator().HasTable(&models.FeedTransition{}))

	// idempotent
	require.NoError(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable(&models.FeedTransition{}))
	assert.True(t, db.Migrator().HasTable(&models.FeedStatsSnapshot{}))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)
}

func TestMigrator_DownWithNothingApplied(t *testing.T) {
	m := NewMigrator(setupTestDB(t), nil)
	m.RegisterAll(AllMigrations())
	assert.NoError(t, m.Down(context.Background()))
}
