// Package simulator serves synthetic test feeds on the ingest addresses of a
// configuration, so the relay can run without real cameras.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/feedrelay/internal/codec"
	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/jmylchreest/feedrelay/internal/observability"
	"github.com/jmylchreest/feedrelay/internal/transport"
)

const defaultDatagramSize = 1316

// Feed is one simulated source.
type Feed struct {
	Info     codec.StreamInfo
	Protocol transport.Protocol
	// Address is where the relay ingests the feed. For TCP the simulator
	// listens on it; for UDP it sends to it.
	Address string
	// Frames stops the feed after this many frames. Zero runs until cancelled.
	Frames int
}

// Simulator generates and sends synthetic feeds.
type Simulator struct {
	codec        codec.Codec
	datagramSize int
	logger       *slog.Logger
	feeds        []Feed
}

// New creates a simulator for feeds using the given codec.
func New(c codec.Codec, datagramSize int, feeds []Feed, logger *slog.Logger) *Simulator {
	if datagramSize <= 0 {
		datagramSize = defaultDatagramSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		codec:        c,
		datagramSize: datagramSize,
		logger:       observability.WithComponent(logger, "simulator"),
		feeds:        feeds,
	}
}

// FromConfig builds a simulator serving every input feed of cfg on its
// ingest port.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Simulator, error) {
	c, err := codec.Lookup(cfg.Pipeline.Codec)
	if err != nil {
		return nil, err
	}
	proto, err := transport.ParseProtocol(cfg.Network.InputNetworkType)
	if err != nil {
		return nil, fmt.Errorf("network.input_network_type: %w", err)
	}

	feeds := make([]Feed, 0, len(cfg.VideoConfig.InputFeeds))
	for i, in := range cfg.VideoConfig.InputFeeds {
		layout, err := frame.ParseLayout(in.Format)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", in.ID, err)
		}
		feeds = append(feeds, Feed{
			Info: codec.StreamInfo{
				FeedID: in.ID,
				Width:  in.Width,
				Height: in.Height,
				FPS:    in.FPS,
				Layout: layout,
			},
			Protocol: proto,
			Address:  net.JoinHostPort(cfg.Network.HostIP, strconv.Itoa(cfg.Network.InputPort(i))),
		})
	}
	return New(c, cfg.Transport.DatagramSize, feeds, logger), nil
}

// Feeds returns the simulated feeds.
func (s *Simulator) Feeds() []Feed {
	return s.feeds
}

// Run serves every feed until ctx ends or a feed fails to start.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range s.feeds {
		g.Go(func() error {
			var err error
			switch f.Protocol {
			case transport.TCP:
				err = s.serveTCP(ctx, f)
			case transport.UDP:
				err = s.sendUDP(ctx, f)
			default:
				err = fmt.Errorf("unsupported protocol %q", f.Protocol)
			}
			if err != nil {
				return fmt.Errorf("feed %s: %w", f.Info.FeedID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stream encodes frames of f at its frame rate and hands each unit to emit.
func (s *Simulator) stream(ctx context.Context, f Feed, emit func([]byte) error) error {
	pattern := NewPattern(f.Info, s.codec.Name() != "raw")
	enc := s.codec.NewEncoder(f.Info)
	defer enc.Close()

	ticker := time.NewTicker(pattern.Interval())
	defer ticker.Stop()

	for n := 0; f.Frames == 0 || n < f.Frames; n++ {
		unit, err := enc.Encode(ctx, pattern.Next())
		if err != nil {
			return err
		}
		if len(unit) > 0 {
			if err := emit(unit); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Simulator) sendUDP(ctx context.Context, f Feed) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", f.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("sending simulated feed",
		slog.String("feed_id", f.Info.FeedID),
		slog.String("address", f.Address),
		slog.String("protocol", string(f.Protocol)),
	)

	return s.stream(ctx, f, func(unit []byte) error {
		packets, err := s.codec.Packetize(unit, s.datagramSize)
		if err != nil {
			return err
		}
		for _, p := range packets {
			// nobody listening yet is not fatal for a datagram source
			if _, err := conn.Write(p); err != nil && !isRefused(err) {
				return err
			}
		}
		return nil
	})
}

func (s *Simulator) serveTCP(ctx context.Context, f Feed) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.Address)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("serving simulated feed",
		slog.String("feed_id", f.Info.FeedID),
		slog.String("address", ln.Addr().String()),
		slog.String("protocol", string(f.Protocol)),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, f, conn)
	}
}

// serveConn streams a fresh pattern to one connected relay until it goes away.
func (s *Simulator) serveConn(ctx context.Context, f Feed, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(slog.String("feed_id", f.Info.FeedID), slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("relay connected")

	err := s.stream(ctx, f, func(unit []byte) error {
		_, err := conn.Write(unit)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logger.Info("relay disconnected", slog.String("error", err.Error()))
	}
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
