package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/feedrelay/internal/models"
)

// feedStatsRepository implements FeedStatsRepository using GORM.
type feedStatsRepository struct {
	db *gorm.DB
}

// NewFeedStatsRepository creates a new FeedStatsRepository.
func NewFeedStatsRepository(db *gorm.DB) FeedStatsRepository {
	return &feedStatsRepository{db: db}
}

func (r *feedStatsRepository) CreateBatch(ctx context.Context, snapshots []*models.FeedStatsSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	for _, s := range snapshots {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("validating snapshot: %w", err)
		}
	}
	return r.db.WithContext(ctx).CreateInBatches(snapshots, 100).Error
}

func (r *feedStatsRepository) ListByFeed(ctx context.Context, feedID string, since time.Time, limit int) ([]*models.FeedStatsSnapshot, error) {
	var out []*models.FeedStatsSnapshot
	q := r.db.WithContext(ctx).
		Where("feed_id = ? AND captured_at >= ?", feedID, since.UTC()).
		Order("captured_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *feedStatsRepository) Latest(ctx context.Context, feedID string) (*models.FeedStatsSnapshot, error) {
	var s models.FeedStatsSnapshot
	err := r.db.WithContext(ctx).
		Where("feed_id = ?", feedID).
		Order("captured_at DESC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *feedStatsRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("captured_at < ?", cutoff.UTC()).
		Delete(&models.FeedStatsSnapshot{})
	return res.RowsAffected, res.Error
}
