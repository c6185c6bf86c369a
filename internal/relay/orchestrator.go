package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/feedrelay/internal/codec"
	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/filter"
	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/jmylchreest/feedrelay/internal/queue"
	"github.com/jmylchreest/feedrelay/internal/transport"
)

// BuildSpecs resolves every input feed of cfg into a FeedSpec. Feeds whose
// settings are unusable get a *ConfigError in errs instead of failing the
// whole set. The returned order follows video_config.input_feeds.
func BuildSpecs(cfg *config.Config) (specs []FeedSpec, errs map[string]error, err error) {
	c, err := codec.Lookup(cfg.Pipeline.Codec)
	if err != nil {
		return nil, nil, err
	}
	inProto, err := transport.ParseProtocol(cfg.Network.InputNetworkType)
	if err != nil {
		return nil, nil, fmt.Errorf("network.input_network_type: %w", err)
	}
	outProto, err := transport.ParseProtocol(cfg.Network.OutputNetworkType)
	if err != nil {
		return nil, nil, fmt.Errorf("network.output_network_type: %w", err)
	}

	outputs := make(map[string]int, len(cfg.VideoConfig.OutputFeeds))
	for i, out := range cfg.VideoConfig.OutputFeeds {
		outputs[out.ID] = i
	}

	tc := cfg.Transport
	errs = make(map[string]error)
	for i, in := range cfg.VideoConfig.InputFeeds {
		spec := FeedSpec{
			ID: in.ID,
			Ingest: transport.Options{
				Protocol:             inProto,
				Address:              net.JoinHostPort(cfg.Network.HostIP, strconv.Itoa(cfg.Network.InputPort(i))),
				DialTimeout:          tc.DialTimeout,
				ReadTimeout:          tc.ReadTimeout,
				WriteTimeout:         tc.WriteTimeout,
				MaxConsecutiveErrors: tc.MaxConsecutiveErrors,
				ReadBufferSize:       tc.ReadBufferSize,
				SocketBuffer:         tc.SocketBuffer,
			},
			Egress: transport.Options{
				Protocol:             outProto,
				DialTimeout:          tc.DialTimeout,
				ReadTimeout:          tc.ReadTimeout,
				WriteTimeout:         tc.WriteTimeout,
				MaxConsecutiveErrors: tc.MaxConsecutiveErrors,
				SocketBuffer:         tc.SocketBuffer,
				MulticastTTL:         tc.MulticastTTL,
			},
			Codec:        c,
			CodecTimeout: cfg.Pipeline.CodecTimeout,
			DatagramSize: tc.DatagramSize,
			Resilience: Resilience{
				BaseDelay:              cfg.Resilience.BaseDelay,
				MaxDelay:               cfg.Resilience.MaxDelay,
				Jitter:                 cfg.Resilience.Jitter,
				MaxConsecutiveFailures: cfg.Resilience.MaxConsecutiveFailures,
				ExtendedCooldown:       cfg.Resilience.ExtendedCooldown,
				MaxFrameErrors:         cfg.Resilience.MaxFrameErrors,
			},
		}

		if err := resolveFeed(&spec, in, cfg, outputs); err != nil {
			errs[in.ID] = err
		}
		specs = append(specs, spec)
	}
	return specs, errs, nil
}

func resolveFeed(spec *FeedSpec, in config.FeedConfig, cfg *config.Config, outputs map[string]int) error {
	if err := in.Validate(); err != nil {
		return &ConfigError{FeedID: in.ID, Err: err}
	}
	idx, ok := outputs[in.ID]
	if !ok {
		return &ConfigError{FeedID: in.ID, Err: fmt.Errorf("no output feed with id %q", in.ID)}
	}
	out := cfg.VideoConfig.OutputFeeds[idx]
	if err := out.Validate(); err != nil {
		return &ConfigError{FeedID: in.ID, Err: fmt.Errorf("output feed: %w", err)}
	}

	inLayout, _ := frame.ParseLayout(in.Format)
	outLayout, _ := frame.ParseLayout(out.Format)
	policy, _ := queue.ParseDropPolicy(in.Queue.DropPolicy)

	spec.Egress.Address = net.JoinHostPort(cfg.Network.TargetIP, strconv.Itoa(cfg.Network.OutputPort(idx)))
	spec.Input = codec.StreamInfo{FeedID: in.ID, Width: in.Width, Height: in.Height, FPS: in.FPS, Layout: inLayout}
	spec.Output = codec.StreamInfo{FeedID: in.ID, Width: out.Width, Height: out.Height, FPS: out.FPS, Layout: outLayout}
	spec.Queue = queue.Config{MaxSize: in.Queue.MaxQueueSize, Timeout: in.Queue.Timeout(), Policy: policy}
	for _, f := range in.Filters {
		spec.Filters = append(spec.Filters, filter.Spec{Type: f.Type, Parameters: f.Parameters})
	}
	return nil
}

// Orchestrator owns the feed pipelines of a process. Each feed runs on its own
// goroutine group; a failing feed never affects the others.
type Orchestrator struct {
	logger       *slog.Logger
	dialer       transport.Dialer
	hooks        Hooks
	startStagger time.Duration

	// opMu serialises Start, Stop, Restart and Reconcile. mu guards the feed
	// set for readers and is never held while waiting for a feed to stop.
	opMu    sync.Mutex
	mu      sync.RWMutex
	ctx     context.Context
	order   []string
	feeds   map[string]*feedRun
	stopped bool
}

// feedRun's cancel and done are only touched with opMu held.
type feedRun struct {
	spec     FeedSpec
	pipeline *Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithFeedDialer sets the dialer used by every feed.
func WithFeedDialer(d transport.Dialer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dialer = d
	}
}

// WithFeedHooks installs observers on every feed.
func WithFeedHooks(h Hooks) OrchestratorOption {
	return func(o *Orchestrator) {
		o.hooks = o.hooks.join(h)
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator builds a pipeline for every input feed of cfg. It fails only
// on process-wide problems such as an unknown codec.
func NewOrchestrator(cfg *config.Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:       slog.Default(),
		dialer:       transport.NetDialer{},
		startStagger: cfg.Pipeline.StartStagger,
		feeds:        make(map[string]*feedRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "orchestrator"))

	specs, errs, err := BuildSpecs(cfg)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		o.order = append(o.order, spec.ID)
		o.feeds[spec.ID] = &feedRun{spec: spec, pipeline: o.build(spec, errs[spec.ID])}
	}
	return o, nil
}

func (o *Orchestrator) build(spec FeedSpec, cfgErr error) *Pipeline {
	opts := []Option{WithDialer(o.dialer), WithLogger(o.logger), WithHooks(o.hooks)}
	if cfgErr != nil {
		return NewFailedPipeline(spec, cfgErr, opts...)
	}
	p, err := NewPipeline(spec, opts...)
	if err != nil {
		return NewFailedPipeline(spec, err, opts...)
	}
	return p
}

// Start launches every feed. Feed i starts after i × start_stagger. Feeds with
// a configuration error are reported and stay stopped.
func (o *Orchestrator) Start(ctx context.Context) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	for i, id := range o.order {
		o.launch(o.feeds[id], time.Duration(i)*o.startStagger)
	}
	o.logger.Info("feeds started", slog.Int("feeds", len(o.order)))
}

// launch starts fr (must be called with opMu held).
func (o *Orchestrator) launch(fr *feedRun, delay time.Duration) {
	if err := fr.pipeline.ConfigErr(); err != nil {
		o.logger.Error("feed configuration invalid, feed stays stopped",
			slog.String("feed_id", fr.spec.ID),
			slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(o.ctx)
	fr.cancel = cancel
	fr.done = make(chan struct{})

	go func(p *Pipeline, done chan struct{}) {
		defer close(done)
		if delay > 0 && !sleepCtx(ctx, delay) {
			return
		}
		if err := p.Run(ctx); err != nil {
			o.logger.Error("feed exited", slog.String("feed_id", p.ID()), slog.String("error", err.Error()))
		}
	}(fr.pipeline, fr.done)
}

// halt stops fr and waits for its handles to be released.
func halt(fr *feedRun) {
	if fr.cancel == nil {
		return
	}
	fr.cancel()
	<-fr.done
	fr.cancel = nil
}

// Stop cancels every feed and waits until all are stopped or ctx ends.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.opMu.Lock()
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	runs := make([]*feedRun, 0, len(o.feeds))
	for _, fr := range o.feeds {
		runs = append(runs, fr)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer o.opMu.Unlock()
		var wg sync.WaitGroup
		for _, fr := range runs {
			wg.Add(1)
			go func(fr *feedRun) {
				defer wg.Done()
				halt(fr)
			}(fr)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		o.logger.Info("all feeds stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for feeds to stop: %w", ctx.Err())
	}
}

// Restart stops one feed and starts it again with the same configuration.
func (o *Orchestrator) Restart(id string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	fr, ok := o.feeds[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	if err := fr.pipeline.ConfigErr(); err != nil {
		return err
	}
	if o.ctx == nil || o.stopped {
		return ErrNotRunning
	}

	halt(fr)
	o.logger.Info("restarting feed", slog.String("feed_id", id))
	o.launch(fr, 0)
	return nil
}

// Reconcile applies a new configuration. Feeds whose resolved settings are
// unchanged keep running; changed feeds are stopped, rebuilt and started;
// removed feeds are stopped; new feeds are started.
func (o *Orchestrator) Reconcile(cfg *config.Config) error {
	specs, errs, err := BuildSpecs(cfg)
	if err != nil {
		return err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	next := make(map[string]*feedRun, len(specs))
	order := make([]string, 0, len(specs))
	var changed, added, removed int

	for _, spec := range specs {
		order = append(order, spec.ID)
		cfgErr := errs[spec.ID]

		if cur, ok := o.feeds[spec.ID]; ok {
			if sameSpec(cur.spec, spec) && (cur.pipeline.ConfigErr() == nil) == (cfgErr == nil) {
				next[spec.ID] = cur
				continue
			}
			halt(cur)
			changed++
		} else {
			added++
		}

		fr := &feedRun{spec: spec, pipeline: o.build(spec, cfgErr)}
		next[spec.ID] = fr
		if o.ctx != nil && !o.stopped {
			o.launch(fr, 0)
		}
	}

	for id, cur := range o.feeds {
		if _, ok := next[id]; !ok {
			halt(cur)
			removed++
		}
	}

	o.mu.Lock()
	o.feeds = next
	o.order = order
	o.mu.Unlock()

	o.logger.Info("configuration reconciled",
		slog.Int("changed", changed),
		slog.Int("added", added),
		slog.Int("removed", removed))
	return nil
}

// sameSpec compares resolved feed settings. Codecs are compared by name.
func sameSpec(a, b FeedSpec) bool {
	if a.Codec.Name() != b.Codec.Name() {
		return false
	}
	a.Codec, b.Codec = nil, nil
	return reflect.DeepEqual(a, b)
}

// Pipeline returns the pipeline of one feed.
func (o *Orchestrator) Pipeline(id string) (*Pipeline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fr, ok := o.feeds[id]
	if !ok {
		return nil, false
	}
	return fr.pipeline, true
}

// Snapshots returns the counters of every feed in configuration order.
func (o *Orchestrator) Snapshots() []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Snapshot, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.feeds[id].pipeline.Snapshot())
	}
	return out
}

// FeedIDs returns the feed ids in configuration order.
func (o *Orchestrator) FeedIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// CheckRunnable fails with ErrNoRunnableFeeds, joined with every feed's
// configuration error, when no feed can run.
func (o *Orchestrator) CheckRunnable() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	errs := []error{ErrNoRunnableFeeds}
	for _, id := range o.order {
		cfgErr := o.feeds[id].pipeline.ConfigErr()
		if cfgErr == nil {
			return nil
		}
		errs = append(errs, cfgErr)
	}
	return errors.Join(errs...)
}
