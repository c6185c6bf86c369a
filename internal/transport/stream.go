package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// streamEndpoint frames a TCP connection. Receive and Send may run on
// different goroutines; each direction is used by one goroutine at a time.
type streamEndpoint struct {
	conn  net.Conn
	opts  Options
	split SplitFunc

	// receive side
	buf   []byte
	chunk []byte
	eof   bool
	rx    errorCounter

	// send side
	tx errorCounter

	closeOnce sync.Once
	closeErr  error
}

func newStreamEndpoint(conn net.Conn, opts Options) *streamEndpoint {
	return &streamEndpoint{
		conn:  conn,
		opts:  opts,
		split: opts.Split,
		chunk: make([]byte, opts.ReadBufferSize),
		rx:    errorCounter{max: opts.MaxConsecutiveErrors},
		tx:    errorCounter{max: opts.MaxConsecutiveErrors},
	}
}

func (e *streamEndpoint) Receive(ctx context.Context) ([]byte, error) {
	if e.split == nil {
		return nil, errors.New("endpoint has no split function")
	}
	stop := unblock(ctx, e.conn.SetReadDeadline)
	defer stop()

	for {
		if e.rx.isDown() {
			return nil, e.rx.disconnected()
		}

		if len(e.buf) > 0 {
			advance, unit, discarded := e.split(e.buf, e.eof)
			var out []byte
			if unit != nil {
				out = bytes.Clone(unit)
			}
			if advance > 0 {
				e.buf = e.buf[advance:]
			}
			if discarded > 0 {
				return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, discarded)
			}
			if out != nil {
				return out, nil
			}
			if advance == 0 && e.eof {
				e.buf = nil
			}
		}
		if e.eof {
			return nil, io.EOF
		}
		if len(e.buf) > maxPendingBytes {
			n := len(e.buf)
			e.buf = nil
			return nil, fmt.Errorf("%w: %d unframed bytes", ErrCorrupt, n)
		}

		if err := e.conn.SetReadDeadline(time.Now().Add(e.opts.ReadTimeout)); err != nil {
			return nil, e.rx.disconnect(err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := e.conn.Read(e.chunk)
		if n > 0 {
			e.buf = append(e.buf, e.chunk[:n]...)
			e.rx.reset()
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, io.EOF):
			e.eof = true
		case isTimeout(err):
			if n > 0 {
				continue
			}
			return nil, e.rx.transient(err)
		default:
			return nil, e.rx.disconnect(err)
		}
	}
}

func (e *streamEndpoint) Send(ctx context.Context, unit []byte) error {
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
	case isTimeout(err):
		// a partial write leaves the peer mid-unit; its framer resynchronises
		return e.tx.transient(err)
	default:
		return e.tx.disconnect(err)
	}
}

func (e *streamEndpoint) State() State {
	if e.rx.isDown() || e.tx.isDown() {
		return Disconnected
	}
	return Connected
}

func (e *streamEndpoint) Addr() string {
	return e.conn.RemoteAddr().String()
}

func (e *streamEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}
