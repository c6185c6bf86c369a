package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/feedrelay/internal/models"
)

// feedTransitionRepository implements FeedTransitionRepository using GORM.
type feedTransitionRepository struct {
	db *gorm.DB
}

// NewFeedTransitionRepository creates a new FeedTransitionRepository.
func NewFeedTransitionRepository(db *gorm.DB) FeedTransitionRepository {
	return &feedTransitionRepository{db: db}
}

func (r *feedTransitionRepository) Create(ctx context.Context, t *models.FeedTransition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating transition: %w", err)
	}
	t.At = t.At.UTC()
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *feedTransitionRepository) ListByFeed(ctx context.Context, feedID string, since time.Time, limit int) ([]*models.FeedTransition, error) {
	var out []*models.FeedTransition
	q := r.db.WithContext(ctx).
		Where("feed_id = ? AND at >= ?", feedID, since.UTC()).
		Order("at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *feedTransitionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("at < ?", cutoff.UTC()).
		Delete(&models.FeedTransition{})
	return res.RowsAffected, res.Error
}
