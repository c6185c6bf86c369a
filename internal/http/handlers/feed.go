package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/feedrelay/internal/relay"
	"github.com/jmylchreest/feedrelay/internal/repository"
)

const defaultHistoryLimit = 100

// FeedController is the part of the orchestrator the feed API drives.
type FeedController interface {
	FeedIDs() []string
	Pipeline(id string) (*relay.Pipeline, bool)
	Restart(id string) error
}

// FeedHandler handles feed API endpoints.
type FeedHandler struct {
	feeds       FeedController
	stats       repository.FeedStatsRepository
	transitions repository.FeedTransitionRepository
}

// NewFeedHandler creates a new feed handler. Without repositories the
// history endpoints answer from memory or report 503.
func NewFeedHandler(feeds FeedController) *FeedHandler {
	return &FeedHandler{feeds: feeds}
}

// WithRepositories enables the stored history endpoints.
func (h *FeedHandler) WithRepositories(stats repository.FeedStatsRepository, transitions repository.FeedTransitionRepository) *FeedHandler {
	h.stats = stats
	h.transitions = transitions
	return h
}

// Register registers the feed routes with the API.
func (h *FeedHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listFeeds",
		Method:      "GET",
		Path:        "/api/v1/feeds",
		Summary:     "List feeds",
		Description: "Returns the state and counters of every configured feed in configuration order",
		Tags:        []string{"Feeds"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getFeed",
		Method:      "GET",
		Path:        "/api/v1/feeds/{id}",
		Summary:     "Get feed",
		Description: "Returns one feed with its recent state transitions",
		Tags:        []string{"Feeds"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "restartFeed",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/restart",
		Summary:     "Restart feed",
		Description: "Stops one feed and starts it again; other feeds are not affected",
		Tags:        []string{"Feeds"},
	}, h.Restart)

	huma.Register(api, huma.Operation{
		OperationID: "getFeedHistory",
		Method:      "GET",
		Path:        "/api/v1/feeds/{id}/history",
		Summary:     "Get feed stats history",
		Description: "Returns stored counter snapshots of a feed, newest first",
		Tags:        []string{"Feeds"},
	}, h.History)

	huma.Register(api, huma.Operation{
		OperationID: "getFeedTransitions",
		Method:      "GET",
		Path:        "/api/v1/feeds/{id}/transitions",
		Summary:     "Get feed transitions",
		Description: "Returns state transitions of a feed, newest first",
		Tags:        []string{"Feeds"},
	}, h.Transitions)
}

// ListFeedsInput is the input for listing feeds.
type ListFeedsInput struct{}

// ListFeedsOutput is the output for listing feeds.
type ListFeedsOutput struct {
	Body struct {
		Feeds []FeedResponse `json:"feeds"`
	}
}

// List returns every feed.
func (h *FeedHandler) List(_ context.Context, _ *ListFeedsInput) (*ListFeedsOutput, error) {
	resp := &ListFeedsOutput{}
	ids := h.feeds.FeedIDs()
	resp.Body.Feeds = make([]FeedResponse, 0, len(ids))
	for _, id := range ids {
		if p, ok := h.feeds.Pipeline(id); ok {
			resp.Body.Feeds = append(resp.Body.Feeds, feedFromPipeline(p))
		}
	}
	return resp, nil
}

// FeedIDInput identifies a feed.
type FeedIDInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// GetFeedOutput is the output for getting a feed.
type GetFeedOutput struct {
	Body FeedDetailResponse
}

// Get returns one feed.
func (h *FeedHandler) Get(_ context.Context, input *FeedIDInput) (*GetFeedOutput, error) {
	p, err := h.pipeline(input.ID)
	if err != nil {
		return nil, err
	}

	trs := p.Transitions()
	body := FeedDetailResponse{FeedResponse: feedFromPipeline(p), Transitions: make([]TransitionResponse, 0, len(trs))}
	for i := len(trs) - 1; i >= 0; i-- {
		body.Transitions = append(body.Transitions, transitionFromRelay(trs[i]))
	}
	return &GetFeedOutput{Body: body}, nil
}

// RestartFeedOutput is the output for restarting a feed.
type RestartFeedOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// Restart restarts one feed.
func (h *FeedHandler) Restart(_ context.Context, input *FeedIDInput) (*RestartFeedOutput, error) {
	err := h.feeds.Restart(input.ID)
	var cfgErr *relay.ConfigError
	switch {
	case errors.Is(err, relay.ErrFeedNotFound):
		return nil, huma.Error404NotFound(fmt.Sprintf("feed %s not found", input.ID))
	case errors.As(err, &cfgErr):
		return nil, huma.Error409Conflict("feed has a configuration error", err)
	case errors.Is(err, relay.ErrNotRunning):
		return nil, huma.Error503ServiceUnavailable("feeds are not running", err)
	case err != nil:
		return nil, huma.Error500InternalServerError("failed to restart feed", err)
	}

	resp := &RestartFeedOutput{}
	resp.Body.Message = fmt.Sprintf("feed %s restarting", input.ID)
	return resp, nil
}

// FeedHistoryInput selects stored rows of a feed.
type FeedHistoryInput struct {
	ID    string    `path:"id" doc:"Feed ID"`
	Since time.Time `query:"since" doc:"Only rows at or after this time (RFC3339)"`
	Limit int       `query:"limit" default:"100" minimum:"1" maximum:"10000" doc:"Maximum rows"`
}

// FeedHistoryOutput is the output for the stats history endpoint.
type FeedHistoryOutput struct {
	Body struct {
		FeedID    string             `json:"feed_id"`
		Snapshots []SnapshotResponse `json:"snapshots"`
	}
}

// History returns stored counter snapshots of a feed.
func (h *FeedHandler) History(ctx context.Context, input *FeedHistoryInput) (*FeedHistoryOutput, error) {
	if _, err := h.pipeline(input.ID); err != nil {
		return nil, err
	}
	if h.stats == nil {
		return nil, huma.Error503ServiceUnavailable("stats history requires the database to be enabled")
	}

	rows, err := h.stats.ListByFeed(ctx, input.ID, input.Since, limitOrDefault(input.Limit))
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load feed history", err)
	}

	resp := &FeedHistoryOutput{}
	resp.Body.FeedID = input.ID
	resp.Body.Snapshots = make([]SnapshotResponse, 0, len(rows))
	for _, r := range rows {
		resp.Body.Snapshots = append(resp.Body.Snapshots, snapshotFromModel(r))
	}
	return resp, nil
}

// FeedTransitionsOutput is the output for the transitions endpoint.
type FeedTransitionsOutput struct {
	Body struct {
		FeedID      string               `json:"feed_id"`
		Source      string               `json:"source" enum:"memory,database"`
		Transitions []TransitionResponse `json:"transitions"`
	}
}

// Transitions returns state transitions of a feed, from the database when it
// is enabled and from the in-memory log otherwise.
func (h *FeedHandler) Transitions(ctx context.Context, input *FeedHistoryInput) (*FeedTransitionsOutput, error) {
	p, err := h.pipeline(input.ID)
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(input.Limit)

	resp := &FeedTransitionsOutput{}
	resp.Body.FeedID = input.ID

	if h.transitions == nil {
		resp.Body.Source = "memory"
		trs := p.Transitions()
		for i := len(trs) - 1; i >= 0 && len(resp.Body.Transitions) < limit; i-- {
			if trs[i].At.Before(input.Since) {
				break
			}
			resp.Body.Transitions = append(resp.Body.Transitions, transitionFromRelay(trs[i]))
		}
		if resp.Body.Transitions == nil {
			resp.Body.Transitions = []TransitionResponse{}
		}
		return resp, nil
	}

	rows, err := h.transitions.ListByFeed(ctx, input.ID, input.Since, limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load feed transitions", err)
	}
	resp.Body.Source = "database"
	resp.Body.Transitions = make([]TransitionResponse, 0, len(rows))
	for _, r := range rows {
		resp.Body.Transitions = append(resp.Body.Transitions, transitionFromModel(r))
	}
	return resp, nil
}

func (h *FeedHandler) pipeline(id string) (*relay.Pipeline, error) {
	p, ok := h.feeds.Pipeline(id)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("feed %s not found", id))
	}
	return p, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	return n
}
