package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/feedrelay/internal/queue"
)

// Stats holds the per-feed counters. Counters are written by the pipeline
// goroutines and read concurrently through Snapshot.
type Stats struct {
	UnitsReceived     atomic.Uint64
	FramesReceived    atomic.Uint64
	DecodeErrors      atomic.Uint64
	CorruptUnits      atomic.Uint64
	TransientErrors   atomic.Uint64
	FilterErrors      atomic.Uint64
	DroppedFull       atomic.Uint64
	DroppedTimeout    atomic.Uint64
	EvictedOldest     atomic.Uint64
	RateDrops         atomic.Uint64
	EncodeErrors      atomic.Uint64
	SendErrors        atomic.Uint64
	FramesSent        atomic.Uint64
	BytesSent         atomic.Uint64
	Reconnects        atomic.Uint64
	LastSequenceSent  atomic.Uint64

	mu        sync.RWMutex
	lastError string
	lastErrAt time.Time
}

// countOutcome records queue drops.
func (s *Stats) countOutcome(o queue.Outcome) {
	switch o {
	case queue.DroppedFull:
		s.DroppedFull.Add(1)
	case queue.DroppedTimeout:
		s.DroppedTimeout.Add(1)
	case queue.EvictedOldest:
		s.EvictedOldest.Add(1)
	}
}

func (s *Stats) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrAt = time.Now()
	s.mu.Unlock()
}

// BackpressureDrops is the number of frames the queue refused or evicted.
func (s *Stats) BackpressureDrops() uint64 {
	return s.DroppedFull.Load() + s.DroppedTimeout.Load() + s.EvictedOldest.Load()
}

// Snapshot is a point-in-time copy of a feed's counters and state.
type Snapshot struct {
	FeedID     string    `json:"feed_id"`
	State      State     `json:"state"`
	StateSince time.Time `json:"state_since"`
	Ingest     string    `json:"ingest"`
	Egress     string    `json:"egress"`
	Filters    []string  `json:"filters"`

	UnitsReceived     uint64 `json:"units_received"`
	FramesReceived    uint64 `json:"frames_received"`
	DecodeErrors      uint64 `json:"decode_errors"`
	CorruptUnits      uint64 `json:"corrupt_units"`
	TransientErrors   uint64 `json:"transient_errors"`
	FilterErrors      uint64 `json:"filter_errors"`
	BackpressureDrops uint64 `json:"backpressure_drops"`
	DroppedFull       uint64 `json:"dropped_full"`
	DroppedTimeout    uint64 `json:"dropped_timeout"`
	EvictedOldest     uint64 `json:"evicted_oldest"`
	RateDrops         uint64 `json:"rate_drops"`
	EncodeErrors      uint64 `json:"encode_errors"`
	SendErrors        uint64 `json:"send_errors"`
	FramesSent        uint64 `json:"frames_sent"`
	BytesSent         uint64 `json:"bytes_sent"`
	Reconnects        uint64 `json:"reconnects"`
	LastSequenceSent  uint64 `json:"last_sequence_sent"`

	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

func (s *Stats) fill(snap *Snapshot) {
	snap.UnitsReceived = s.UnitsReceived.Load()
	snap.FramesReceived = s.FramesReceived.Load()
	snap.DecodeErrors = s.DecodeErrors.Load()
	snap.CorruptUnits = s.CorruptUnits.Load()
	snap.TransientErrors = s.TransientErrors.Load()
	snap.FilterErrors = s.FilterErrors.Load()
	snap.DroppedFull = s.DroppedFull.Load()
	snap.DroppedTimeout = s.DroppedTimeout.Load()
	snap.EvictedOldest = s.EvictedOldest.Load()
	snap.BackpressureDrops = snap.DroppedFull + snap.DroppedTimeout + snap.EvictedOldest
	snap.RateDrops = s.RateDrops.Load()
	snap.EncodeErrors = s.EncodeErrors.Load()
	snap.SendErrors = s.SendErrors.Load()
	snap.FramesSent = s.FramesSent.Load()
	snap.BytesSent = s.BytesSent.Load()
	snap.Reconnects = s.Reconnects.Load()
	snap.LastSequenceSent = s.LastSequenceSent.Load()

	s.mu.RLock()
	snap.LastError = s.lastError
	snap.LastErrorAt = s.lastErrAt
	s.mu.RUnlock()
}
