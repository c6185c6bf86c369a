package models

import "time"

// FeedTransition records one state change of a feed.
type FeedTransition struct {
	BaseModel
	FeedID    string    `gorm:"not null;index:idx_feed_transitions_feed_time,priority:1" json:"feed_id"`
	FromState string    `gorm:"size:16;not null" json:"from"`
	ToState   string    `gorm:"size:16;not null" json:"to"`
	Error     string    `gorm:"size:1024" json:"error,omitempty"`
	At        time.Time `gorm:"not null;index:idx_feed_transitions_feed_time,priority:2;index" json:"at"`
}

// TableName returns the table name for feed transitions.
func (FeedTransition) TableName() string {
	return "feed_transitions"
}

// Validate checks required fields.
func (f *FeedTransition) Validate() error {
	if f.FeedID == "" {
		return ErrFeedIDRequired
	}
	if f.ToState == "" {
		return ErrValidation{Field: "to", Message: "target state is required"}
	}
	return nil
}
