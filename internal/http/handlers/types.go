// Package handlers provides HTTP API handlers for feedrelay.
package handlers

import (
	"time"

	"github.com/jmylchreest/feedrelay/internal/models"
	"github.com/jmylchreest/feedrelay/internal/relay"
)

// FeedResponse is the API view of one feed.
type FeedResponse struct {
	relay.Snapshot
	ConfigError string `json:"config_error,omitempty" doc:"Configuration problem keeping the feed stopped"`
}

// FeedDetailResponse adds the in-memory transition log to a feed.
type FeedDetailResponse struct {
	FeedResponse
	Transitions []TransitionResponse `json:"transitions"`
}

// TransitionResponse is one feed state change.
type TransitionResponse struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// SnapshotResponse is one stored counter snapshot.
type SnapshotResponse struct {
	CapturedAt        time.Time `json:"captured_at"`
	State             string    `json:"state"`
	FramesReceived    uint64    `json:"frames_received"`
	FramesSent        uint64    `json:"frames_sent"`
	BytesSent         uint64    `json:"bytes_sent"`
	BackpressureDrops uint64    `json:"backpressure_drops"`
	RateDrops         uint64    `json:"rate_drops"`
	DecodeErrors      uint64    `json:"decode_errors"`
	Reconnects        uint64    `json:"reconnects"`
	QueueLen          int       `json:"queue_len"`
	LastError         string    `json:"last_error,omitempty"`
}

func feedFromPipeline(p *relay.Pipeline) FeedResponse {
	resp := FeedResponse{Snapshot: p.Snapshot()}
	if err := p.ConfigErr(); err != nil {
		resp.ConfigError = err.Error()
	}
	return resp
}

func transitionFromRelay(t relay.Transition) TransitionResponse {
	return TransitionResponse{From: string(t.From), To: string(t.To), Error: t.Error, At: t.At}
}

func transitionFromModel(t *models.FeedTransition) TransitionResponse {
	return TransitionResponse{From: t.FromState, To: t.ToState, Error: t.Error, At: t.At}
}

func snapshotFromModel(s *models.FeedStatsSnapshot) SnapshotResponse {
	return SnapshotResponse{
		CapturedAt:        s.CapturedAt,
		State:             s.State,
		FramesReceived:    s.FramesReceived,
		FramesSent:        s.FramesSent,
		BytesSent:         s.BytesSent,
		BackpressureDrops: s.BackpressureDrops,
		RateDrops:         s.RateDrops,
		DecodeErrors:      s.DecodeErrors,
		Reconnects:        s.Reconnects,
		QueueLen:          s.QueueLen,
		LastError:         s.LastError,
	}
}
