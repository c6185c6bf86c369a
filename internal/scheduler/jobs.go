package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/feedrelay/internal/events"
	"github.com/jmylchreest/feedrelay/internal/models"
	"github.com/jmylchreest/feedrelay/internal/relay"
	"github.com/jmylchreest/feedrelay/internal/repository"
	"github.com/jmylchreest/feedrelay/pkg/format"
)

// Job names.
const (
	JobStatusReport = "status_report"
	JobSnapshot     = "stats_snapshot"
	JobRetention    = "stats_retention"
	JobMemory       = "memory_monitor"
)

// SnapshotSource provides point-in-time feed counters.
type SnapshotSource interface {
	Snapshots() []relay.Snapshot
}

// StatusReporter logs queue depth, drops and throughput of every feed.
type StatusReporter struct {
	source SnapshotSource
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]relay.Snapshot
	at   time.Time
}

// NewStatusReporter creates a StatusReporter.
func NewStatusReporter(source SnapshotSource, logger *slog.Logger) *StatusReporter {
	return &StatusReporter{source: source, logger: logger, last: make(map[string]relay.Snapshot)}
}

// Run logs one status line per feed.
func (r *StatusReporter) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	interval := now.Sub(r.at)
	if r.at.IsZero() {
		interval = 0
	}

	for _, s := range r.source.Snapshots() {
		prev := r.last[s.FeedID]
		var sent uint64
		if s.FramesSent >= prev.FramesSent {
			sent = s.FramesSent - prev.FramesSent
		}
		attrs := []any{
			slog.String("feed_id", s.FeedID),
			slog.String("state", string(s.State)),
			slog.String("queue", fmt.Sprintf("%d/%d", s.QueueLen, s.QueueCap)),
			slog.String("dropped", format.Count(s.BackpressureDrops)),
			slog.String("dropped_full", format.Count(s.DroppedFull)),
			slog.String("dropped_timeout", format.Count(s.DroppedTimeout)),
			slog.String("rate_dropped", format.Count(s.RateDrops)),
			slog.String("sent", format.Count(s.FramesSent)),
			slog.String("send_rate", format.Rate(sent, interval)),
			slog.String("bytes_sent", format.Bytes(s.BytesSent)),
		}
		if s.LastError != "" {
			attrs = append(attrs, slog.String("last_error", s.LastError))
		}
		r.logger.InfoContext(ctx, "feed status", attrs...)
		r.last[s.FeedID] = s
	}
	r.at = now
	return nil
}

// SnapshotPersister stores feed counters in the stats repository.
type SnapshotPersister struct {
	source SnapshotSource
	repo   repository.FeedStatsRepository
	now    func() time.Time
}

// NewSnapshotPersister creates a SnapshotPersister.
func NewSnapshotPersister(source SnapshotSource, repo repository.FeedStatsRepository) *SnapshotPersister {
	return &SnapshotPersister{source: source, repo: repo, now: time.Now}
}

// Run stores one snapshot per feed, all sharing the same capture time.
func (p *SnapshotPersister) Run(ctx context.Context) error {
	at := p.now()
	snaps := p.source.Snapshots()
	rows := make([]*models.FeedStatsSnapshot, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, models.NewFeedStatsSnapshot(s, at))
	}
	if err := p.repo.CreateBatch(ctx, rows); err != nil {
		return fmt.Errorf("persisting feed stats: %w", err)
	}
	return nil
}

// RetentionPruner deletes stored stats and transitions older than the
// retention period.
type RetentionPruner struct {
	stats       repository.FeedStatsRepository
	transitions repository.FeedTransitionRepository
	retention   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewRetentionPruner creates a RetentionPruner.
func NewRetentionPruner(stats repository.FeedStatsRepository, transitions repository.FeedTransitionRepository, retention time.Duration, logger *slog.Logger) *RetentionPruner {
	return &RetentionPruner{stats: stats, transitions: transitions, retention: retention, logger: logger, now: time.Now}
}

// Run deletes expired rows.
func (p *RetentionPruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.retention)

	snaps, err := p.stats.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning feed stats: %w", err)
	}
	trans, err := p.transitions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning feed transitions: %w", err)
	}
	if snaps+trans > 0 {
		p.logger.InfoContext(ctx, "pruned feed history",
			slog.Int64("snapshots", snaps),
			slog.Int64("transitions", trans),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RSSFunc samples the resident set size of the process in bytes.
type RSSFunc func(ctx context.Context) (uint64, error)

// ProcessRSS reads the RSS of the current process.
func ProcessRSS(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid fits int32
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// MemoryMonitor warns when process RSS exceeds a threshold.
type MemoryMonitor struct {
	threshold uint64
	sample    RSSFunc
	bus       *events.Bus
	logger    *slog.Logger
}

// NewMemoryMonitor creates a MemoryMonitor. bus may be nil.
func NewMemoryMonitor(thresholdMB int, sample RSSFunc, bus *events.Bus, logger *slog.Logger) *MemoryMonitor {
	if sample == nil {
		sample = ProcessRSS
	}
	return &MemoryMonitor{
		threshold: uint64(thresholdMB) * 1024 * 1024, //nolint:gosec // validated non-negative
		sample:    sample,
		bus:       bus,
		logger:    logger,
	}
}

// Run samples RSS once.
func (m *MemoryMonitor) Run(ctx context.Context) error {
	rss, err := m.sample(ctx)
	if err != nil {
		return fmt.Errorf("sampling process memory: %w", err)
	}
	if m.threshold == 0 || rss <= m.threshold {
		m.logger.DebugContext(ctx, "memory usage", slog.String("rss", format.Bytes(rss)))
		return nil
	}

	m.logger.WarnContext(ctx, "memory usage above threshold",
		slog.String("rss", format.Bytes(rss)),
		slog.String("threshold", format.Bytes(m.threshold)),
	)
	if m.bus != nil {
		m.bus.Publish(events.MemoryPressure{RSSBytes: rss, ThresholdBytes: m.threshold, At: time.Now()})
	}
	return nil
}
