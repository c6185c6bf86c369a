// Package events carries feed lifecycle notifications between the relay and
// its observers.
package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeFeedStateChanged uint32 = iota + 1
	TypeFeedRetry
	TypeConfigReloaded
	TypeMemoryPressure
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FeedStateChanged is published on every feed state transition.
type FeedStateChanged struct {
	FeedID string    `json:"feed_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Type returns the event type identifier for FeedStateChanged.
func (e FeedStateChanged) Type() uint32 { return TypeFeedStateChanged }

// FeedRetry is published when a feed schedules a reconnect.
type FeedRetry struct {
	FeedID   string        `json:"feed_id"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	Cooldown bool          `json:"cooldown"`
}

// Type returns the event type identifier for FeedRetry.
func (e FeedRetry) Type() uint32 { return TypeFeedRetry }

// ConfigReloaded is published after a changed config file was applied.
type ConfigReloaded struct {
	Path  string    `json:"path"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Type returns the event type identifier for ConfigReloaded.
func (e ConfigReloaded) Type() uint32 { return TypeConfigReloaded }

// MemoryPressure is published when process RSS exceeds the configured threshold.
type MemoryPressure struct {
	RSSBytes       uint64    `json:"rss_bytes"`
	ThresholdBytes uint64    `json:"threshold_bytes"`
	At             time.Time `json:"at"`
}

// Type returns the event type identifier for MemoryPressure.
func (e MemoryPressure) Type() uint32 { return TypeMemoryPressure }
