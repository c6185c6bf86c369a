package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/feedrelay/internal/events"
	"github.com/jmylchreest/feedrelay/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.FeedStatsSnapshot{}, &models.FeedTransition{}))
	return db
}

func snapshotAt(feedID string, at time.Time, sent uint64) *models.FeedStatsSnapshot {
	return &models.FeedStatsSnapshot{FeedID: feedID, CapturedAt: at, State: "running", FramesSent: sent}
}

func TestFeedStatsRepo_CreateAndList(t *testing.T) {
	repo := NewFeedStatsRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateBatch(ctx, []*models.FeedStatsSnapshot{
		snapshotAt("1", base, 10),
		snapshotAt("1", base.Add(time.Minute), 20),
		snapshotAt("1", base.Add(2*time.Minute), 30),
		snapshotAt("2", base.Add(time.Minute), 99),
	}))

	list, err := repo.ListByFeed(ctx, "1", base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(30), list[0].FramesSent, "newest first")
	assert.Equal(t, uint64(20), list[1].FramesSent)
	assert.False(t, list[0].ID.IsZero())

	limited, err := repo.ListByFeed(ctx, "1", time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	latest, err := repo.Latest(ctx, "2")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(99), latest.FramesSent)
}

func TestFeedStatsRepo_LatestMissing(t *testing.T) {
	repo := NewFeedStatsRepository(setupTestDB(t))
	latest, err := repo.Latest(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestFeedStatsRepo_CreateBatchValidates(t *testing.T) {
	repo := NewFeedStatsRepository(setupTestDB(t))
	err := repo.CreateBatch(context.Background(), []*models.FeedStatsSnapshot{{FeedID: "1"}})
	assert.ErrorIs(t, err, models.ErrCapturedAtRequired)
	assert.NoError(t, repo.CreateBatch(context.Background(), nil))
}

func TestFeedStatsRepo_DeleteOlderThan(t *testing.T) {
	repo := NewFeedStatsRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.CreateBatch(ctx, []*models.FeedStatsSnapshot{
		snapshotAt("1", now.Add(-48*time.Hour), 1),
		snapshotAt("1", now.Add(-time.Hour), 2),
	}))

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	list, err := repo.ListByFeed(ctx, "1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(2), list[0].FramesSent)
}

func TestFeedTransitionRepo(t *testing.T) {
	repo := NewFeedTransitionRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &models.FeedTransition{FeedID: "1", FromState: "stopped", ToState: "connecting", At: now.Add(-2 * time.Second)}))
	require.NoError(t, repo.Create(ctx, &models.FeedTransition{FeedID: "1", FromState: "connecting", ToState: "error", Error: "refused", At: now.Add(-time.Second)}))
	require.NoError(t, repo.Create(ctx, &models.FeedTransition{FeedID: "2", FromState: "stopped", ToState: "connecting", At: now}))

	list, err := repo.ListByFeed(ctx, "1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "error", list[0].ToState)
	assert.Equal(t, "refused", list[0].Error)

	assert.Error(t, repo.Create(ctx, &models.FeedTransition{ToState: "running"}))

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRecordTransitions(t *testing.T) {
	repo := NewFeedTransitionRepository(setupTestDB(t))
	bus := events.New()
	defer bus.Close()

	unsub := RecordTransitions(bus, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer unsub()

	bus.Publish(events.FeedStateChanged{FeedID: "1", From: "stopped", To: "connecting", At: time.Now()})

	require.Eventually(t, func() bool {
		list, err := repo.ListByFeed(context.Background(), "1", time.Time{}, 0)
		return err == nil && len(list) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
