package models

import (
	"time"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

// FeedStatsSnapshot is a periodic copy of one feed's counters. Frames are
// never stored.
type FeedStatsSnapshot struct {
	BaseModel
	FeedID     string    `gorm:"not null;index:idx_feed_stats_feed_time,priority:1" json:"feed_id"`
	CapturedAt time.Time `gorm:"not null;index:idx_feed_stats_feed_time,priority:2;index" json:"captured_at"`
	State      string    `gorm:"size:16;not null" json:"state"`

	FramesReceived    uint64 `json:"frames_received"`
	FramesSent        uint64 `json:"frames_sent"`
	BytesSent         uint64 `json:"bytes_sent"`
	DecodeErrors      uint64 `json:"decode_errors"`
	FilterErrors      uint64 `json:"filter_errors"`
	EncodeErrors      uint64 `json:"encode_errors"`
	SendErrors        uint64 `json:"send_errors"`
	BackpressureDrops uint64 `json:"backpressure_drops"`
	RateDrops         uint64 `json:"rate_drops"`
	Reconnects        uint64 `json:"reconnects"`
	LastSequenceSent  uint64 `json:"last_sequence_sent"`
	QueueLen          int    `json:"queue_len"`
	LastError         string `gorm:"size:1024" json:"last_error,omitempty"`
}

// TableName returns the table name for feed stats snapshots.
func (FeedStatsSnapshot) TableName() string {
	return "feed_stats_snapshots"
}

// NewFeedStatsSnapshot copies the counters of s taken at at.
func NewFeedStatsSnapshot(s relay.Snapshot, at time.Time) *FeedStatsSnapshot {
	return &FeedStatsSnapshot{
		FeedID:            s.FeedID,
		CapturedAt:        at.UTC(),
		State:             string(s.State),
		FramesReceived:    s.FramesReceived,
		FramesSent:        s.FramesSent,
		BytesSent:         s.BytesSent,
		DecodeErrors:      s.DecodeErrors,
		FilterErrors:      s.FilterErrors,
		EncodeErrors:      s.EncodeErrors,
		SendErrors:        s.SendErrors,
		BackpressureDrops: s.BackpressureDrops,
		RateDrops:         s.RateDrops,
		Reconnects:        s.Reconnects,
		LastSequenceSent:  s.LastSequenceSent,
		QueueLen:          s.QueueLen,
		LastError:         truncate(s.LastError, 1024),
	}
}

// Validate checks required fields.
func (f *FeedStatsSnapshot) Validate() error {
	if f.FeedID == "" {
		return ErrFeedIDRequired
	}
	if f.CapturedAt.IsZero() {
		return ErrCapturedAtRequired
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
