package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/models"
	"github.com/jmylchreest/feedrelay/internal/relay"
	"github.com/jmylchreest/feedrelay/internal/repository"
	"github.com/jmylchreest/feedrelay/internal/transport"
)

// refusingDialer fails every dial so feeds cycle between connecting and error.
type refusingDialer struct{}

func (refusingDialer) Dial(_ context.Context, opts transport.Options) (transport.Endpoint, error) {
	return nil, &transport.ConnectionError{Role: opts.Role, Protocol: opts.Protocol, Address: opts.Address, Err: errors.New("connection refused")}
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{Codec: "raw", CodecTimeout: time.Second},
		Resilience: config.ResilienceConfig{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		},
		Network: config.NetworkConfig{
			HostIP:              "127.0.0.1",
			TargetIP:            "127.0.0.1",
			InputBaseVideoPort:  6000,
			OutputBaseVideoPort: 8554,
			InputNetworkType:    "udp",
			OutputNetworkType:   "udp",
		},
	}
	for _, id := range []string{"cam1", "cam2"} {
		cfg.VideoConfig.InputFeeds = append(cfg.VideoConfig.InputFeeds, config.FeedConfig{
			ID: id, Width: 4, Height: 2, FPS: 30, Format: "mono",
			Queue: config.QueueConfig{MaxQueueSize: 10, DropPolicy: "newest"},
		})
		cfg.VideoConfig.OutputFeeds = append(cfg.VideoConfig.OutputFeeds, config.OutputFeedConfig{
			ID: id, Width: 4, Height: 2, FPS: 30, Format: "mono",
		})
	}
	// cam2 has an unknown filter and stays stopped
	cfg.VideoConfig.InputFeeds[1].Filters = []config.FilterConfig{{Type: "sharpen"}}
	return cfg
}

func newOrchestrator(t *testing.T) *relay.Orchestrator {
	t.Helper()
	o, err := relay.NewOrchestrator(testConfig(),
		relay.WithFeedDialer(refusingDialer{}),
		relay.WithOrchestratorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return o
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.FeedStatsSnapshot{}, &models.FeedTransition{}))
	return db
}

func decode[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(body).Decode(&v))
	return v
}

func TestFeedHandler_List(t *testing.T) {
	_, api := humatest.New(t)
	NewFeedHandler(newOrchestrator(t)).Register(api)

	resp := api.Get("/api/v1/feeds")
	require.Equal(t, http.StatusOK, resp.Code)

	body := decode[struct {
		Feeds []FeedResponse `json:"feeds"`
	}](t, resp.Body)
	require.Len(t, body.Feeds, 2)
	assert.Equal(t, "cam1", body.Feeds[0].FeedID)
	assert.Equal(t, relay.StateStopped, body.Feeds[0].State)
	assert.Equal(t, 10, body.Feeds[0].QueueCap)
	assert.Empty(t, body.Feeds[0].ConfigError)
	assert.Equal(t, "cam2", body.Feeds[1].FeedID)
	assert.Contains(t, body.Feeds[1].ConfigError, "sharpen")
}

func TestFeedHandler_GetAndNotFound(t *testing.T) {
	o := newOrchestrator(t)
	_, api := humatest.New(t)
	NewFeedHandler(o).Register(api)

	o.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Stop(ctx))
	}()

	p, _ := o.Pipeline("cam1")
	require.Eventually(t, func() bool { return len(p.Transitions()) >= 3 }, 2*time.Second, time.Millisecond)

	resp := api.Get("/api/v1/feeds/cam1")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[FeedDetailResponse](t, resp.Body)
	assert.Equal(t, "cam1", body.FeedID)
	require.GreaterOrEqual(t, len(body.Transitions), 3)
	first, last := body.Transitions[0], body.Transitions[len(body.Transitions)-1]
	assert.False(t, first.At.Before(last.At), "newest transition first")
	assert.NotEqual(t, "running", first.To)

	resp = api.Get("/api/v1/feeds/nope")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestFeedHandler_Restart(t *testing.T) {
	o := newOrchestrator(t)
	_, api := humatest.New(t)
	NewFeedHandler(o).Register(api)

	resp := api.Post("/api/v1/feeds/cam1/restart")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code, "not started")

	o.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Stop(ctx))
	}()

	resp = api.Post("/api/v1/feeds/cam1/restart")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = api.Post("/api/v1/feeds/cam2/restart")
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = api.Post("/api/v1/feeds/nope/restart")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestFeedHandler_HistoryRequiresDatabase(t *testing.T) {
	_, api := humatest.New(t)
	NewFeedHandler(newOrchestrator(t)).Register(api)

	resp := api.Get("/api/v1/feeds/cam1/history")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	resp = api.Get("/api/v1/feeds/cam1/transitions")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[struct {
		Source      string               `json:"source"`
		Transitions []TransitionResponse `json:"transitions"`
	}](t, resp.Body)
	assert.Equal(t, "memory", body.Source)
	assert.Empty(t, body.Transitions)
}

func TestFeedHandler_HistoryFromDatabase(t *testing.T) {
	db := setupTestDB(t)
	stats := repository.NewFeedStatsRepository(db)
	transitions := repository.NewFeedTransitionRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, stats.CreateBatch(ctx, []*models.FeedStatsSnapshot{
		{FeedID: "cam1", State: "running", CapturedAt: now.Add(-2 * time.Minute), FramesSent: 100},
		{FeedID: "cam1", State: "running", CapturedAt: now.Add(-time.Minute), FramesSent: 200},
	}))
	require.NoError(t, transitions.Create(ctx, &models.FeedTransition{FeedID: "cam1", FromState: "connecting", ToState: "error", Error: "refused", At: now}))

	_, api := humatest.New(t)
	NewFeedHandler(newOrchestrator(t)).WithRepositories(stats, transitions).Register(api)

	resp := api.Get("/api/v1/feeds/cam1/history?limit=1")
	require.Equal(t, http.StatusOK, resp.Code)
	hist := decode[struct {
		FeedID    string             `json:"feed_id"`
		Snapshots []SnapshotResponse `json:"snapshots"`
	}](t, resp.Body)
	assert.Equal(t, "cam1", hist.FeedID)
	require.Len(t, hist.Snapshots, 1)
	assert.Equal(t, uint64(200), hist.Snapshots[0].FramesSent)

	resp = api.Get("/api/v1/feeds/cam1/transitions")
	require.Equal(t, http.StatusOK, resp.Code)
	trs := decode[struct {
		Source      string               `json:"source"`
		Transitions []TransitionResponse `json:"transitions"`
	}](t, resp.Body)
	assert.Equal(t, "database", trs.Source)
	require.Len(t, trs.Transitions, 1)
	assert.Equal(t, "refused", trs.Transitions[0].Error)

	resp = api.Get("/api/v1/feeds/ghost/history")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler_GetHealth(t *testing.T) {
	h := NewHealthHandler("1.0.0", newOrchestrator(t))

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.Body.Status)
	assert.Equal(t, "1.0.0", out.Body.Version)
	assert.NotEmpty(t, out.Body.Uptime)
	assert.Positive(t, out.Body.CPU.Cores)
	assert.Equal(t, 2, out.Body.Feeds.Total)
	assert.Equal(t, 2, out.Body.Feeds.States["stopped"])
	assert.Equal(t, 0, out.Body.Feeds.States["running"])
	assert.Equal(t, "disabled", out.Body.Database.Status)

	h.WithDB(fakePinger{err: errors.New("database is locked")})
	out, err = h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "degraded", out.Body.Status)
	assert.Equal(t, "error", out.Body.Database.Status)
	assert.Equal(t, "database is locked", out.Body.Database.Error)
}

func TestHealthHandler_Routes(t *testing.T) {
	_, api := humatest.New(t)
	NewHealthHandler("1.0.0", nil).WithDB(fakePinger{}).Register(api)
	NewSystemHandler().Register(api)

	resp := api.Get("/livez")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"ok"`)

	resp = api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[HealthResponse](t, resp.Body)
	assert.Equal(t, "ok", body.Database.Status)
	assert.Zero(t, body.Feeds.Total)

	resp = api.Get("/api/v1/version")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"go_version"`)
}
