package relay

import "time"

// State is the lifecycle state of a feed pipeline.
type State string

// Feed pipeline states.
const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateError      State = "error"
)

// Transition records one state change of a feed.
type Transition struct {
	FeedID string    `json:"feed_id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Retry describes a scheduled reconnect attempt.
type Retry struct {
	FeedID string
	// Attempt counts consecutive failures since the last healthy session.
	Attempt  int
	Delay    time.Duration
	Cooldown bool
}

// Hooks observe a pipeline. They run on the pipeline goroutine and must not
// block.
type Hooks struct {
	OnStateChange func(Transition)
	OnRetry       func(Retry)
}

func (h Hooks) stateChanged(t Transition) {
	if h.OnStateChange != nil {
		h.OnStateChange(t)
	}
}

func (h Hooks) retry(r Retry) {
	if h.OnRetry != nil {
		h.OnRetry(r)
	}
}

// join combines hooks so both run, a first.
func (h Hooks) join(b Hooks) Hooks {
	return Hooks{
		OnStateChange: func(t Transition) {
			h.stateChanged(t)
			b.stateChanged(t)
		},
		OnRetry: func(r Retry) {
			h.retry(r)
			b.retry(r)
		},
	}
}
