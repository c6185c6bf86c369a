package relay

import (
	"errors"
	"fmt"
)

// ErrFeedNotFound is returned for operations on an unknown feed id.
var ErrFeedNotFound = errors.New("feed not found")

// ErrNotRunning is returned when a feed is restarted outside Start and Stop.
var ErrNotRunning = errors.New("orchestrator not running")

// ErrNoRunnableFeeds is returned when every configured feed has a
// configuration error.
var ErrNoRunnableFeeds = errors.New("no runnable feeds")

// ConfigError is an unrecoverable configuration problem of one feed. The feed
// stays stopped; the other feeds are unaffected.
type ConfigError struct {
	FeedID string
	// Filter names the offending filter entry, when there is one.
	Filter string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Filter != "" {
		return fmt.Sprintf("feed %s: filter %s: %v", e.FeedID, e.Filter, e.Err)
	}
	return fmt.Sprintf("feed %s: %v", e.FeedID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
