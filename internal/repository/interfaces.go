// Package repository defines data access for feed statistics.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/feedrelay/internal/models"
)

// FeedStatsRepository stores periodic feed counter snapshots.
type FeedStatsRepository interface {
	// CreateBatch stores snapshots taken at the same instant.
	CreateBatch(ctx context.Context, snapshots []*models.FeedStatsSnapshot) error
	// ListByFeed returns snapshots of one feed captured at or after since,
	// newest first. limit <= 0 means no limit.
	ListByFeed(ctx context.Context, feedID string, since time.Time, limit int) ([]*models.FeedStatsSnapshot, error)
	// Latest returns the newest snapshot of one feed, or nil.
	Latest(ctx context.Context, feedID string) (*models.FeedStatsSnapshot, error)
	// DeleteOlderThan removes snapshots captured before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FeedTransitionRepository stores feed state changes.
type FeedTransitionRepository interface {
	// Create stores one transition.
	Create(ctx context.Context, t *models.FeedTransition) error
	// ListByFeed returns transitions of one feed, newest first.
	ListByFeed(ctx context.Context, feedID string, since time.Time, limit int) ([]*models.FeedTransition, error)
	// DeleteOlderThan removes transitions that happened before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
