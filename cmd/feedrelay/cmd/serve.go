package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/database"
	"github.com/jmylchreest/feedrelay/internal/events"
	internalhttp "github.com/jmylchreest/feedrelay/internal/http"
	"github.com/jmylchreest/feedrelay/internal/http/handlers"
	"github.com/jmylchreest/feedrelay/internal/metrics"
	"github.com/jmylchreest/feedrelay/internal/observability"
	"github.com/jmylchreest/feedrelay/internal/relay"
	"github.com/jmylchreest/feedrelay/internal/repository"
	"github.com/jmylchreest/feedrelay/internal/scheduler"
	"github.com/jmylchreest/feedrelay/internal/version"
)

// stopTimeout bounds how long feeds get to drain on shutdown.
const stopTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start relaying feeds",
	Long: `Start every configured feed pipeline and the HTTP API.

The server provides:
- one pipeline per input feed, reconnecting with backoff on failure
- REST API for feed status, restarts and stored history
- Prometheus metrics at /metrics
- Health check endpoints at /health and /livez
- OpenAPI documentation at /docs

A changed config file is applied without restarting unaffected feeds.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "HTTP API host to bind to")
	serveCmd.Flags().Int("port", 8090, "HTTP API port")
	serveCmd.Flags().Bool("http", true, "serve the HTTP API")
	serveCmd.Flags().String("host-ip", "127.0.0.1", "address input feeds are received on")
	serveCmd.Flags().String("target-ip", "127.0.0.1", "address output feeds are sent to")
	serveCmd.Flags().String("database", "", "enable the stats store with this DSN")
	serveCmd.Flags().Bool("watch", true, "reload the config file when it changes")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.enabled", serveCmd.Flags().Lookup("http"))
	mustBindPFlag("network.host_ip", serveCmd.Flags().Lookup("host-ip"))
	mustBindPFlag("network.target_ip", serveCmd.Flags().Lookup("target-ip"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	if dsn, _ := cmd.Flags().GetString("database"); dsn != "" {
		viper.Set("database.enabled", true)
		viper.Set("database.dsn", dsn)
	}

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	defer bus.Close()

	orchestrator, err := relay.NewOrchestrator(cfg,
		relay.WithFeedHooks(events.RelayHooks(bus)),
		relay.WithOrchestratorLogger(observability.WithComponent(logger, "relay")),
	)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	if err := orchestrator.CheckRunnable(); err != nil {
		return err
	}

	m := metrics.New(orchestrator)
	defer m.Subscribe(bus)()

	sched := scheduler.New(observability.WithComponent(logger, "scheduler"))
	if err := sched.Add(scheduler.JobStatusReport, cfg.Stats.ReportSchedule,
		scheduler.NewStatusReporter(orchestrator, logger).Run); err != nil {
		return err
	}
	if err := sched.Add(scheduler.JobMemory, cfg.Stats.MemorySchedule,
		scheduler.NewMemoryMonitor(cfg.Stats.MemoryThresholdMB, scheduler.ProcessRSS, bus, logger).Run); err != nil {
		return err
	}

	feedHandler := handlers.NewFeedHandler(orchestrator)
	healthHandler := handlers.NewHealthHandler(version.Version, orchestrator)

	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		statsRepo := repository.NewFeedStatsRepository(db.DB)
		transitionRepo := repository.NewFeedTransitionRepository(db.DB)
		defer repository.RecordTransitions(bus, transitionRepo, logger)()

		if err := sched.Add(scheduler.JobSnapshot, cfg.Stats.SnapshotSchedule,
			scheduler.NewSnapshotPersister(orchestrator, statsRepo).Run); err != nil {
			return err
		}
		if err := sched.Add(scheduler.JobRetention, cfg.Stats.RetentionSchedule,
			scheduler.NewRetentionPruner(statsRepo, transitionRepo, cfg.Stats.Retention, logger).Run); err != nil {
			return err
		}

		feedHandler = feedHandler.WithRepositories(statsRepo, transitionRepo)
		healthHandler = healthHandler.WithDB(db)
	}

	logger.Info("starting feedrelay",
		slog.String("version", version.Version),
		slog.Int("feeds", len(cfg.VideoConfig.InputFeeds)),
		slog.String("input", cfg.Network.InputNetworkType),
		slog.String("output", cfg.Network.OutputNetworkType),
		slog.String("codec", cfg.Pipeline.Codec),
	)

	orchestrator.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		server := internalhttp.NewServer(cfg.Server, logger, version.Version)
		server.Register(feedHandler, healthHandler, handlers.NewSystemHandler())
		server.Handle("/metrics", m.Handler())

		logger.Info("starting http api", slog.String("address", cfg.Server.Address()))
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch && viper.ConfigFileUsed() != "" {
		path := viper.ConfigFileUsed()
		watcher := config.NewWatcher(path, observability.WithComponent(logger, "config"),
			func(next *config.Config) {
				ev := events.ConfigReloaded{Path: path, At: time.Now()}
				if err := orchestrator.Reconcile(next); err != nil {
					ev.Error = err.Error()
					logger.Error("applying reloaded config failed", slog.String("error", err.Error()))
				} else {
					logger.Info("config reloaded", slog.String("path", path))
				}
				bus.Publish(ev)
			},
			config.WithErrorHandler(func(err error) {
				bus.Publish(events.ConfigReloaded{Path: path, Error: err.Error(), At: time.Now()})
			}),
		)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")

	sched.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := orchestrator.Stop(stopCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return stopErr
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*database.DB, error) {
	db, err := database.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}
