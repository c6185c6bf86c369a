// Package transport moves container units over TCP and UDP.
//
// Stream connections are cut into units with a codec-supplied split function;
// every UDP datagram is one unit. Endpoints count consecutive transient errors
// and report themselves disconnected once a configured limit is reached, after
// which the owner is expected to close them and dial again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Role says which end of a feed an endpoint serves.
type Role string

// Roles.
const (
	RoleIngest Role = "ingest"
	RoleEgress Role = "egress"
)

// Protocol is the network protocol of an endpoint.
type Protocol string

// Protocols.
const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// ParseProtocol converts a configured network type.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case TCP:
		return TCP, nil
	case UDP:
		return UDP, nil
	default:
		return "", fmt.Errorf("unknown network type %q (expected tcp or udp)", s)
	}
}

// State is the connection state of an endpoint.
type State int

// States.
const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

var (
	// ErrTransient wraps recoverable per-call failures such as read timeouts.
	ErrTransient = errors.New("transient transport error")
	// ErrDisconnected is returned once an endpoint gave up on its connection.
	ErrDisconnected = errors.New("endpoint disconnected")
	// ErrCorrupt reports bytes discarded while resynchronising a stream.
	ErrCorrupt = errors.New("stream corrupt, resynchronised")
)

// ConnectionError is returned when an endpoint cannot be established.
type ConnectionError struct {
	Role     Role
	Protocol Protocol
	Address  string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Role, e.Protocol, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SplitFunc finds the next unit in buf: bytes to consume, the unit (nil when
// more data is needed) and bytes discarded while resynchronising.
type SplitFunc func(buf []byte, atEOF bool) (advance int, unit []byte, discarded int)

// Options configures an endpoint.
type Options struct {
	Role     Role
	Protocol Protocol
	Address  string

	// Split frames stream ingest. It is unused for UDP and for egress.
	Split SplitFunc

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxConsecutiveErrors is how many transient errors in a row disconnect
	// the endpoint. Zero means 5.
	MaxConsecutiveErrors int

	// ReadBufferSize is the stream read chunk and the largest datagram accepted.
	ReadBufferSize int

	// SocketBuffer sets the kernel receive/send buffer of UDP sockets when positive.
	SocketBuffer int

	// MulticastTTL applies to egress towards a multicast group.
	MulticastTTL int
}

// Defaults.
const (
	DefaultDialTimeout          = 5 * time.Second
	DefaultReadTimeout          = 2 * time.Second
	DefaultWriteTimeout         = 2 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultReadBufferSize       = 64 * 1024
	maxPendingBytes             = 128 << 20
)

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
}

// Endpoint is one connected end of a feed.
type Endpoint interface {
	// Receive returns the next container unit. It fails with io.EOF when the
	// peer closed the stream, ErrTransient or ErrCorrupt for recoverable
	// conditions and ErrDisconnected once the endpoint gave up.
	Receive(ctx context.Context) ([]byte, error)
	// Send writes one unit.
	Send(ctx context.Context, unit []byte) error
	State() State
	Addr() string
	Close() error
}

// Dialer opens endpoints.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Endpoint, error)
}

// NetDialer opens real network endpoints.
type NetDialer struct{}

// Dial implements Dialer.
func (NetDialer) Dial(ctx context.Context, opts Options) (Endpoint, error) {
	return Dial(ctx, opts)
}

// Dial opens an endpoint. Ingest over TCP connects to the feed source, ingest
// over UDP binds the address, and egress connects to the destination.
func Dial(ctx context.Context, opts Options) (Endpoint, error) {
	opts.applyDefaults()
	connErr := func(err error) error {
		return &ConnectionError{Role: opts.Role, Protocol: opts.Protocol, Address: opts.Address, Err: err}
	}

	switch opts.Protocol {
	case TCP:
		if opts.Role == RoleIngest && opts.Split == nil {
			return nil, connErr(errors.New("stream ingest needs a split function"))
		}
		d := net.Dialer{Timeout: opts.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, connErr(err)
		}
		return newStreamEndpoint(conn, opts), nil

	case UDP:
		var (
			conn *net.UDPConn
			err  error
		)
		if opts.Role == RoleIngest {
			conn, err = listenUDP(opts)
		} else {
			conn, err = dialUDP(ctx, opts)
		}
		if err != nil {
			return nil, connErr(err)
		}
		return newDatagramEndpoint(conn, opts), nil

	default:
		return nil, connErr(fmt.Errorf("unsupported protocol %q", opts.Protocol))
	}
}

// errorCounter turns transient failures into a disconnect after a limit.
type errorCounter struct {
	max         int
	consecutive int
	down        atomic.Bool
	lastErr     error
}

func (c *errorCounter) isDown() bool {
	return c.down.Load()
}

func (c *errorCounter) reset() {
	c.consecutive = 0
}

func (c *errorCounter) transient(err error) error {
	c.consecutive++
	if c.consecutive >= c.max {
		return c.disconnect(fmt.Errorf("%d consecutive errors, last: %w", c.consecutive, err))
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func (c *errorCounter) disconnect(err error) error {
	c.lastErr = err
	c.down.Store(true)
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

func (c *errorCounter) disconnected() error {
	return fmt.Errorf("%w: %w", ErrDisconnected, c.lastErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// unblock forces pending I/O on conn to return once ctx ends.
func unblock(ctx context.Context, setDeadline func(time.Time) error) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
}
