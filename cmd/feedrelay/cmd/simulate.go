package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/simulator"
)

var simulateFrames int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Generate synthetic input feeds",
	Long: `Generate a moving test pattern for every configured input feed and
deliver it to the feed's ingest address, using the configured codec and
input network type.

For TCP inputs the simulator listens on each ingest port and streams to
whoever connects; for UDP inputs it sends datagrams to the ingest port.
Run it next to "feedrelay serve" with the same config to exercise the relay
without real cameras.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVar(&simulateFrames, "frames", 0, "stop each feed after this many frames (0 runs until interrupted)")
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sim, err := simulator.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating simulator: %w", err)
	}
	feeds := sim.Feeds()
	for i := range feeds {
		feeds[i].Frames = simulateFrames
	}
	for _, f := range feeds {
		logger.Info("simulating feed",
			slog.String("feed_id", f.Info.FeedID),
			slog.String("protocol", string(f.Protocol)),
			slog.String("address", f.Address),
			slog.Int("width", f.Info.Width),
			slog.Int("height", f.Info.Height),
			slog.Float64("fps", f.Info.FPS),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sim.Run(ctx)
}
