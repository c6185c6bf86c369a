package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SnapshotSource provides point-in-time feed counters.
type SnapshotSource interface {
	Snapshots() []relay.Snapshot
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	feeds     SnapshotSource
	db        Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, feeds SnapshotSource) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		feeds:     feeds,
	}
}

// WithDB sets the database used by health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string         `json:"status" enum:"healthy,degraded"`
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	CPU           CPUInfo        `json:"cpu"`
	Memory        MemoryInfo     `json:"memory"`
	Feeds         FeedsHealth    `json:"feeds"`
	Database      DatabaseHealth `json:"database"`
}

// CPUInfo holds host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and process memory usage in MB.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	Goroutines        int     `json:"goroutines"`
}

// FeedsHealth counts feeds by state.
type FeedsHealth struct {
	Total  int            `json:"total"`
	States map[string]int `json:"states"`
}

// DatabaseHealth reports the stats store.
type DatabaseHealth struct {
	Status         string  `json:"status" enum:"ok,error,disabled"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including feed states and host metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the service. A failing database
// degrades the status; feeds in error do not, since they retry on their own.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	body := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           cpuInfo(ctx),
		Memory:        memoryInfo(ctx),
		Feeds:         h.feedsHealth(),
		Database:      h.databaseHealth(ctx),
	}
	if body.Database.Status == "error" {
		body.Status = "degraded"
	}
	return &HealthOutput{Body: body}, nil
}

func (h *HealthHandler) feedsHealth() FeedsHealth {
	out := FeedsHealth{States: map[string]int{
		string(relay.StateStopped):    0,
		string(relay.StateConnecting): 0,
		string(relay.StateRunning):    0,
		string(relay.StateError):      0,
	}}
	if h.feeds == nil {
		return out
	}
	for _, s := range h.feeds.Snapshots() {
		out.Total++
		out.States[string(s.State)]++
	}
	return out
}

func (h *HealthHandler) databaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "disabled"}
	}
	start := time.Now()
	err := h.db.Ping(ctx)
	health := DatabaseHealth{
		Status:         "ok",
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
	}
	return health
}

func cpuInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / 1024 / 1024
		info.AvailableMemoryMB = float64(vm.Available) / 1024 / 1024
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid fits int32
	if err != nil {
		return info
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.ProcessRSSMB = float64(mi.RSS) / 1024 / 1024
	}
	return info
}
