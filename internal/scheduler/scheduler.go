// Package scheduler runs the periodic background jobs of the relay on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/feedrelay/internal/observability"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("scheduler already started")

// parser accepts standard five-field expressions and descriptors such as
// "@every 5s" and "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler manages named jobs on cron schedules. A job that is still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	mu sync.Mutex

	cron   *cron.Cron
	logger *slog.Logger
	names  map[cron.EntryID]string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		names:  make(map[cron.EntryID]string),
	}
}

// ValidateSchedule checks a cron expression.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name on the given schedule. An empty schedule
// disables the job.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		s.logger.Debug("job disabled", slog.String("job", name))
		return nil
	}
	if err := ValidateSchedule(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.names[id] = name

	s.logger.Debug("job scheduled", slog.String("job", name), slog.String("schedule", spec))
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, e := range s.cron.Entries() {
		out = append(out, s.names[e.ID])
	}
	return out
}

// Start begins running jobs. Jobs receive a context that is cancelled by
// Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.names)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job immediately on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string, job Job) error {
	var err error
	done := observability.TimedOperationWithError(ctx, s.logger, name, &err)
	defer done()
	err = job(ctx)
	return err
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.RunNow(ctx, name, job)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
