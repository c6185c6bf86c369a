package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/feedrelay/internal/events"
	"github.com/jmylchreest/feedrelay/internal/models"
)

const recordTimeout = 5 * time.Second

// RecordTransitions persists every FeedStateChanged event published on bus
// and returns the unsubscribe function.
func RecordTransitions(bus *events.Bus, repo FeedTransitionRepository, logger *slog.Logger) func() {
	return bus.Subscribe(func(e events.FeedStateChanged) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		err := repo.Create(ctx, &models.FeedTransition{
			FeedID:    e.FeedID,
			FromState: e.From,
			ToState:   e.To,
			Error:     e.Error,
			At:        e.At,
		})
		if err != nil {
			logger.Warn("failed to record feed transition",
				slog.String("feed_id", e.FeedID),
				slog.String("to", e.To),
				slog.String("error", err.Error()),
			)
		}
	})
}
