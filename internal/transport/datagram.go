package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// listenUDP binds the ingest address. A multicast group address joins the
// group on the default interface.
func listenUDP(opts Options) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, err
	}

	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
		if err != nil {
			return nil, err
		}
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: addr.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("joining group %s: %w", addr.IP, err)
		}
		setSocketBuffer(conn, opts)
		return conn, nil
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	setSocketBuffer(conn, opts)
	return conn, nil
}

func dialUDP(ctx context.Context, opts Options) (*net.UDPConn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	c, err := d.DialContext(ctx, "udp", opts.Address)
	if err != nil {
		return nil, err
	}
	conn := c.(*net.UDPConn)

	if raddr, ok := conn.RemoteAddr().(*net.UDPAddr); ok && raddr.IP.IsMulticast() && opts.MulticastTTL > 0 {
		if err := ipv4.NewPacketConn(conn).SetMulticastTTL(opts.MulticastTTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting multicast ttl: %w", err)
		}
	}
	setSocketBuffer(conn, opts)
	return conn, nil
}

func setSocketBuffer(conn *net.UDPConn, opts Options) {
	if opts.SocketBuffer <= 0 {
		return
	}
	// best effort: the kernel clamps to its configured maximum
	_ = conn.SetReadBuffer(opts.SocketBuffer)
	_ = conn.SetWriteBuffer(opts.SocketBuffer)
}

// datagramEndpoint maps one datagram to one unit. Ingest endpoints are bound
// sockets accepting from any sender; egress endpoints are connected.
type datagramEndpoint struct {
	conn *net.UDPConn
	opts Options
	buf  []byte
	rx   errorCounter
	tx   errorCounter

	closeOnce sync.Once
	closeErr  error
}

func newDatagramEndpoint(conn *net.UDPConn, opts Options) *datagramEndpoint {
	return &datagramEndpoint{
		conn: conn,
		opts: opts,
		buf:  make([]byte, max(opts.ReadBufferSize, 65536)),
		rx:   errorCounter{max: opts.MaxConsecutiveErrors},
		tx:   errorCounter{max: opts.MaxConsecutiveErrors},
	}
}

func (e *datagramEndpoint) Receive(ctx context.Context) ([]byte, error) {
	if e.rx.isDown() {
		return nil, e.rx.disconnected()
	}
	stop := unblock(ctx, e.conn.SetReadDeadline)
	defer stop()

	for {
		if err := e.conn.SetReadDeadline(time.Now().Add(e.opts.ReadTimeout)); err != nil {
			return nil, e.rx.disconnect(err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err := e.conn.ReadFromUDP(e.buf)
		switch {
		case err == nil:
			if n == 0 {
				continue
			}
			e.rx.reset()
			unit := make([]byte, n)
			copy(unit, e.buf[:n])
			return unit, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isTimeout(err):
			return nil, e.rx.transient(err)
		case errors.Is(err, net.ErrClosed):
			return nil, e.rx.disconnect(err)
		default:
			// ICMP errors surface here on some platforms
			return nil, e.rx.transient(err)
		}
	}
}

func (e *datagramEndpoint) Send(ctx context.Context, unit []byte) error {
	if e.tx.isDown() {
		return e.tx.disconnected()
	}
	stop := unblock(ctx, e.conn.SetWriteDeadline)
	defer stop()

	if err := e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout)); err != nil {
		return e.tx.disconnect(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.conn.Write(unit)
	switch {
	case err == nil:
		e.tx.reset()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, net.ErrClosed):
		return e.tx.disconnect(err)
	default:
		// refused by an absent listener, or a full socket buffer
		return e.tx.transient(err)
	}
}

func (e *datagramEndpoint) State() State {
	if e.rx.isDown() || e.tx.isDown() {
		return Disconnected
	}
	return Connected
}

func (e *datagramEndpoint) Addr() string {
	if e.opts.Role == RoleIngest {
		return e.conn.LocalAddr().String()
	}
	return e.conn.RemoteAddr().String()
}

func (e *datagramEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}
