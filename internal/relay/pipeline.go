// Package relay runs feed pipelines: ingest, decode, filter, queue, rate
// adapt, encode and egress for each configured feed, with reconnects and
// per-feed isolation.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/feedrelay/internal/codec"
	"github.com/jmylchreest/feedrelay/internal/filter"
	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/jmylchreest/feedrelay/internal/queue"
	"github.com/jmylchreest/feedrelay/internal/rate"
	"github.com/jmylchreest/feedrelay/internal/transport"
)

const (
	defaultCodecTimeout   = 2 * time.Second
	defaultMaxFrameErrors = 100
	transitionHistory     = 32
)

// Resilience holds the reconnect policy of a pipeline.
type Resilience struct {
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	Jitter                 float64
	MaxConsecutiveFailures int
	ExtendedCooldown       time.Duration
	MaxFrameErrors         int
}

// FeedSpec is the fully resolved configuration of one feed pipeline. It is
// immutable once the pipeline is built.
type FeedSpec struct {
	ID string

	Input  codec.StreamInfo
	Output codec.StreamInfo

	Ingest transport.Options
	Egress transport.Options

	Codec        codec.Codec
	CodecTimeout time.Duration
	DatagramSize int

	Queue   queue.Config
	Filters []filter.Spec

	Resilience Resilience
}

// Pipeline moves frames of one feed from its ingest to its egress endpoint.
// Run drives the state machine Stopped → Connecting → Running → Error →
// Connecting until its context ends.
type Pipeline struct {
	spec   FeedSpec
	dialer transport.Dialer
	logger *slog.Logger
	hooks  Hooks

	chain   *filter.Chain
	queue   *queue.Queue
	rate    *rate.Adapter
	backoff *Backoff
	breaker *CircuitBreaker
	stats   Stats

	// seq is only touched by the receive loop.
	seq uint64

	configErr error
	running   atomic.Bool

	mu          sync.RWMutex
	state       State
	since       time.Time
	transitions []Transition
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDialer replaces the network dialer.
func WithDialer(d transport.Dialer) Option {
	return func(p *Pipeline) {
		p.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithHooks installs observers for state changes and retries.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) {
		p.hooks = h
	}
}

// NewPipeline builds a pipeline. Invalid filters or queue settings yield a
// *ConfigError.
func NewPipeline(spec FeedSpec, opts ...Option) (*Pipeline, error) {
	p := newPipeline(spec, opts)

	if spec.Codec == nil {
		return nil, &ConfigError{FeedID: spec.ID, Err: errors.New("no codec")}
	}
	chain, err := filter.BuildFor(spec.Filters, spec.Codec.DecodesRaw())
	if err != nil {
		cfgErr := &ConfigError{FeedID: spec.ID, Err: err}
		var be *filter.BuildError
		if errors.As(err, &be) {
			cfgErr.Filter = fmt.Sprintf("%d (%s)", be.Index, be.Type)
			cfgErr.Err = be.Err
		}
		return nil, cfgErr
	}
	q, err := queue.New(spec.Queue)
	if err != nil {
		return nil, &ConfigError{FeedID: spec.ID, Err: err}
	}

	p.chain = chain
	p.queue = q
	p.rate = rate.New(spec.Input.FPS, spec.Output.FPS)
	return p, nil
}

// NewFailedPipeline returns a pipeline that stays stopped and reports err.
// It keeps a feed with an invalid configuration visible.
func NewFailedPipeline(spec FeedSpec, err error, opts ...Option) *Pipeline {
	p := newPipeline(spec, opts)
	p.configErr = err
	p.stats.setError(err)
	return p
}

func newPipeline(spec FeedSpec, opts []Option) *Pipeline {
	if spec.CodecTimeout <= 0 {
		spec.CodecTimeout = defaultCodecTimeout
	}
	if spec.Resilience.MaxFrameErrors <= 0 {
		spec.Resilience.MaxFrameErrors = defaultMaxFrameErrors
	}
	spec.Ingest.Role = transport.RoleIngest
	spec.Egress.Role = transport.RoleEgress
	if spec.Ingest.Split == nil && spec.Codec != nil {
		spec.Ingest.Split = spec.Codec.Split
	}

	p := &Pipeline{
		spec:   spec,
		dialer: transport.NetDialer{},
		logger: slog.Default(),
		state:  StateStopped,
		since:  time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"), slog.String("feed_id", spec.ID))
	p.backoff = NewBackoff(spec.Resilience.BaseDelay, spec.Resilience.MaxDelay, spec.Resilience.Jitter)
	p.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: spec.Resilience.MaxConsecutiveFailures,
		Cooldown:         spec.Resilience.ExtendedCooldown,
	})
	return p
}

// ID returns the feed id.
func (p *Pipeline) ID() string {
	return p.spec.ID
}

// Spec returns the resolved feed configuration.
func (p *Pipeline) Spec() FeedSpec {
	return p.spec
}

// ConfigErr returns the configuration error of a pipeline that cannot run.
func (p *Pipeline) ConfigErr() error {
	return p.configErr
}

// Stats exposes the live counters.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Transitions returns the most recent state changes, oldest first.
func (p *Pipeline) Transitions() []Transition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Transition, len(p.transitions))
	copy(out, p.transitions)
	return out
}

// Snapshot returns the feed's counters and state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	snap := Snapshot{
		FeedID:     p.spec.ID,
		State:      p.state,
		StateSince: p.since,
		Ingest:     fmt.Sprintf("%s://%s", p.spec.Ingest.Protocol, p.spec.Ingest.Address),
		Egress:     fmt.Sprintf("%s://%s", p.spec.Egress.Protocol, p.spec.Egress.Address),
	}
	p.mu.RUnlock()

	if p.chain != nil {
		snap.Filters = p.chain.Names()
	}
	if p.queue != nil {
		snap.QueueLen = p.queue.Len()
		snap.QueueCap = p.queue.Cap()
	}
	p.stats.fill(&snap)
	return snap
}

func (p *Pipeline) setState(to State, err error) {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return
	}
	t := Transition{FeedID: p.spec.ID, From: from, To: to, At: time.Now()}
	if err != nil {
		t.Error = err.Error()
	}
	p.state = to
	p.since = t.At
	if len(p.transitions) == transitionHistory {
		copy(p.transitions, p.transitions[1:])
		p.transitions = p.transitions[:transitionHistory-1]
	}
	p.transitions = append(p.transitions, t)
	p.mu.Unlock()

	p.hooks.stateChanged(t)
}

// Run processes the feed until ctx is cancelled, reconnecting after every
// failure. It returns the configuration error of a failed pipeline, or nil
// once stopped. Transport handles are closed before the state becomes
// Stopped. A pipeline runs at most once at a time.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.configErr != nil {
		return p.configErr
	}
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer p.running.Store(false)
	defer p.setState(StateStopped, nil)

	p.backoff.Reset()
	p.breaker.Reset()

	for {
		p.setState(StateConnecting, nil)
		sess, err := p.connect(ctx)
		if err == nil {
			p.setState(StateRunning, nil)
			p.logger.Info("feed running",
				slog.String("ingest", sess.in.Addr()),
				slog.String("egress", sess.out.Addr()))

			var healthy bool
			healthy, err = p.runSession(ctx, sess)
			if ctx.Err() != nil {
				return nil
			}
			if healthy {
				p.backoff.Reset()
				p.breaker.RecordSuccess()
			}
			if err == nil {
				err = errors.New("session ended")
			}
			p.stats.Reconnects.Add(1)
		} else if ctx.Err() != nil {
			return nil
		}

		p.stats.setError(err)
		p.setState(StateError, err)

		delay, cooldown := p.nextDelay()
		p.hooks.retry(Retry{FeedID: p.spec.ID, Attempt: p.backoff.Attempt(), Delay: delay, Cooldown: cooldown})
		if cooldown {
			p.logger.Warn("too many consecutive failures, entering extended cooldown",
				slog.Duration("cooldown", delay),
				slog.String("error", err.Error()))
		} else {
			p.logger.Warn("feed failed, reconnecting",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}

		if !sleepCtx(ctx, delay) {
			return nil
		}
		if cooldown {
			p.breaker.Reset()
		}
	}
}

func (p *Pipeline) nextDelay() (time.Duration, bool) {
	if p.breaker.RecordFailure() == CircuitOpen {
		p.backoff.Reset()
		return p.breaker.Cooldown(), true
	}
	return p.backoff.Next(), false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type session struct {
	in  transport.Endpoint
	out transport.Endpoint
	dec codec.Decoder
	enc codec.Encoder

	decBusy chan struct{}
	encBusy chan struct{}
}

func (s *session) close() {
	_ = s.in.Close()
	_ = s.out.Close()
	_ = s.dec.Close()
	_ = s.enc.Close()
}

func (p *Pipeline) connect(ctx context.Context) (*session, error) {
	in, err := p.dialer.Dial(ctx, p.spec.Ingest)
	if err != nil {
		return nil, err
	}
	out, err := p.dialer.Dial(ctx, p.spec.Egress)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	return &session{
		in:  in,
		out: out,
		dec: p.spec.Codec.NewDecoder(p.spec.Input),
		enc: p.spec.Codec.NewEncoder(p.spec.Output),

		decBusy: make(chan struct{}, 1),
		encBusy: make(chan struct{}, 1),
	}, nil
}

// runSession runs the receive and send loops until either fails. healthy
// reports whether at least one frame reached the egress, which resets the
// backoff. Units arriving on the ingest alone do not count.
func (p *Pipeline) runSession(ctx context.Context, s *session) (healthy bool, err error) {
	defer s.close()

	sentBefore := p.stats.FramesSent.Load()
	p.rate.Reset()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() error { return p.receiveLoop(gctx, s) }))
	g.Go(guard(func() error { return p.sendLoop(gctx, s) }))
	err = g.Wait()
	return p.stats.FramesSent.Load() > sentBefore, err
}

// guard turns a panic in a pipeline loop into an error so one feed cannot
// take down the process.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline panic: %v", r)
			}
		}()
		return fn()
	}
}

func (p *Pipeline) receiveLoop(ctx context.Context, s *session) error {
	frameErrors := 0
	decodeFailed := func(err error) error {
		p.stats.DecodeErrors.Add(1)
		frameErrors++
		if frameErrors >= p.spec.Resilience.MaxFrameErrors {
			return fmt.Errorf("%d consecutive decode errors, last: %w", frameErrors, err)
		}
		p.logger.Debug("unit dropped", slog.String("error", err.Error()))
		return nil
	}

	for {
		unit, err := s.in.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, transport.ErrCorrupt):
				p.stats.CorruptUnits.Add(1)
				if err := decodeFailed(err); err != nil {
					return err
				}
				continue
			case errors.Is(err, transport.ErrTransient):
				p.stats.TransientErrors.Add(1)
				continue
			default:
				return fmt.Errorf("ingest: %w", err)
			}
		}
		p.stats.UnitsReceived.Add(1)

		frames, err := p.decode(ctx, s, unit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := decodeFailed(err); err != nil {
				return err
			}
		} else {
			frameErrors = 0
		}

		for _, f := range frames {
			if err := p.process(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) decode(ctx context.Context, s *session, unit []byte) ([]*frame.Frame, error) {
	frames, err := callCodec(ctx, s.decBusy, p.spec.CodecTimeout, func(cctx context.Context) ([]*frame.Frame, error) {
		return s.dec.Decode(cctx, unit)
	})
	if err != nil && ctx.Err() == nil && isTimeout(err) {
		err = &codec.DecodeError{Codec: p.spec.Codec.Name(), Err: err}
	}
	return frames, err
}

// process numbers a decoded frame, filters it and offers it to the queue.
func (p *Pipeline) process(ctx context.Context, f *frame.Frame) error {
	p.seq++
	f.Sequence = p.seq
	f.FeedID = p.spec.ID
	p.stats.FramesReceived.Add(1)

	out, err := p.chain.Apply(f)
	if err != nil {
		p.stats.FilterErrors.Add(1)
		p.logger.Debug("frame dropped by filter", slog.Uint64("sequence", f.Sequence), slog.String("error", err.Error()))
		return nil
	}

	outcome := p.queue.Enqueue(ctx, out)
	if outcome == queue.Cancelled {
		return ctx.Err()
	}
	p.stats.countOutcome(outcome)
	return nil
}

func (p *Pipeline) sendLoop(ctx context.Context, s *session) error {
	timeouts := 0
	for {
		f, err := p.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !p.rate.Accept(f.DecodeTime()) {
			p.stats.RateDrops.Add(1)
			continue
		}

		unit, err := p.encode(ctx, s, f)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.stats.EncodeErrors.Add(1)
			// a wedged encoder is only replaced by reconnecting
			if isTimeout(err) {
				timeouts++
				if timeouts >= p.spec.Resilience.MaxFrameErrors {
					return fmt.Errorf("%d consecutive encode timeouts, last: %w", timeouts, err)
				}
			}
			p.logger.Debug("frame dropped by encoder", slog.Uint64("sequence", f.Sequence), slog.String("error", err.Error()))
			continue
		}
		timeouts = 0
		if len(unit) == 0 {
			continue
		}

		if err := p.send(ctx, s.out, unit); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, transport.ErrTransient):
				p.stats.SendErrors.Add(1)
				continue
			case errors.Is(err, codec.ErrUnitTooLarge):
				p.stats.EncodeErrors.Add(1)
				continue
			default:
				return fmt.Errorf("egress: %w", err)
			}
		}
		p.stats.FramesSent.Add(1)
		p.stats.BytesSent.Add(uint64(len(unit)))
		p.stats.LastSequenceSent.Store(f.Sequence)
	}
}

func (p *Pipeline) encode(ctx context.Context, s *session, f *frame.Frame) ([]byte, error) {
	unit, err := callCodec(ctx, s.encBusy, p.spec.CodecTimeout, func(cctx context.Context) ([]byte, error) {
		return s.enc.Encode(cctx, f)
	})
	if err != nil && ctx.Err() == nil && isTimeout(err) {
		err = &codec.EncodeError{Codec: p.spec.Codec.Name(), Err: err}
	}
	return unit, err
}

var errCodecTimeout = errors.New("codec call timed out")

func isTimeout(err error) bool {
	return errors.Is(err, errCodecTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// callCodec runs fn with a deadline and gives up on it when the deadline
// passes, even if fn ignores its context. busy holds one slot per decoder or
// encoder: while an abandoned call is still running, later calls fail at once
// instead of using the codec concurrently. A late result is discarded.
func callCodec[T any](ctx context.Context, busy chan struct{}, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	select {
	case busy <- struct{}{}:
	default:
		return zero, fmt.Errorf("%w: previous call still running", errCodecTimeout)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-busy }()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("codec panic: %v", r)}
			}
		}()
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		select {
		case r := <-done:
			return r.v, r.err
		default:
		}
		return zero, fmt.Errorf("%w after %s", errCodecTimeout, timeout)
	}
}

// send writes a unit, cut into datagrams for UDP egress.
func (p *Pipeline) send(ctx context.Context, out transport.Endpoint, unit []byte) error {
	if p.spec.Egress.Protocol != transport.UDP || p.spec.DatagramSize <= 0 {
		return out.Send(ctx, unit)
	}
	parts, err := p.spec.Codec.Packetize(unit, p.spec.DatagramSize)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := out.Send(ctx, part); err != nil {
			return err
		}
	}
	return nil
}
