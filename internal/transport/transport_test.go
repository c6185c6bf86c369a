package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineSplit frames newline-terminated units and discards a leading '#' run as
// corruption.
func lineSplit(buf []byte, atEOF bool) (int, []byte, int) {
	if n := len(buf) - len(bytes.TrimLeft(buf, "#")); n > 0 {
		return n, nil, n
	}
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return i + 1, buf[:i], 0
	}
	if atEOF {
		return len(buf), nil, len(buf)
	}
	return 0, nil, 0
}

func tcpSource(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return ln.Addr().String()
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("TCP")
	require.NoError(t, err)
	assert.Equal(t, TCP, p)

	_, err = ParseProtocol("sctp")
	assert.Error(t, err)
}

func TestStream_FramesUnitsAcrossWrites(t *testing.T) {
	addr := tcpSource(t, func(c net.Conn) {
		for _, part := range []string{"al", "pha\nbra", "vo\n", "charlie\n"} {
			_, _ = c.Write([]byte(part))
			time.Sleep(5 * time.Millisecond)
		}
	})

	ctx := context.Background()
	ep, err := Dial(ctx, Options{Role: RoleIngest, Protocol: TCP, Address: addr, Split: lineSplit})
	require.NoError(t, err)
	defer ep.Close()

	for _, want := range []string{"alpha", "bravo", "charlie"} {
		unit, err := ep.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(unit))
	}

	_, err = ep.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ReportsResync(t *testing.T) {
	addr := tcpSource(t, func(c net.Conn) {
		_, _ = c.Write([]byte("###ok\n"))
	})

	ctx := context.Background()
	ep, err := Dial(ctx, Options{Role: RoleIngest, Protocol: TCP, Address: addr, Split: lineSplit})
	require.NoError(t, err)
	defer ep.Close()

	_, err = ep.Receive(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	unit, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(unit))
	assert.Equal(t, Connected, ep.State())
}

func TestStream_ConsecutiveTimeoutsDisconnect(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	addr := tcpSource(t, func(net.Conn) { <-hold })

	ctx := context.Background()
	ep, err := Dial(ctx, Options{
		Role:                 RoleIngest,
		Protocol:             TCP,
		Address:              addr,
		Split:                lineSplit,
		ReadTimeout:          10 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	})
	require.NoError(t, err)
	defer ep.Close()

	for i := 0; i < 2; i++ {
		_, err := ep.Receive(ctx)
		require.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, Connected, ep.State())
	}

	_, err = ep.Receive(ctx)
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, Disconnected, ep.State())

	_, err = ep.Receive(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestStream_CancelUnblocksReceive(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	addr := tcpSource(t, func(net.Conn) { <-hold })

	ep, err := Dial(context.Background(), Options{
		Role:        RoleIngest,
		Protocol:    TCP,
		Address:     addr,
		Split:       lineSplit,
		ReadTimeout: time.Minute,
	})
	require.NoError(t, err)
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = ep.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), Options{Role: RoleEgress, Protocol: TCP, Address: addr, DialTimeout: time.Second})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, RoleEgress, ce.Role)
	assert.Equal(t, addr, ce.Address)
}

func TestDial_StreamIngestNeedsSplit(t *testing.T) {
	_, err := Dial(context.Background(), Options{Role: RoleIngest, Protocol: TCP, Address: "127.0.0.1:1"})
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestStream_EgressSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	ctx := context.Background()
	ep, err := Dial(ctx, Options{Role: RoleEgress, Protocol: TCP, Address: ln.Addr().String()})
	require.NoError(t, err)

	require.NoError(t, ep.Send(ctx, []byte("one")))
	require.NoError(t, ep.Send(ctx, []byte("two")))
	require.NoError(t, ep.Close())

	select {
	case data := <-received:
		assert.Equal(t, "onetwo", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("listener received nothing")
	}
}

func TestDatagram_IngestOneUnitPerDatagram(t *testing.T) {
	ctx := context.Background()
	ep, err := Dial(ctx, Options{Role: RoleIngest, Protocol: UDP, Address: "127.0.0.1:0", ReadTimeout: time.Second})
	require.NoError(t, err)
	defer ep.Close()

	sender, err := net.Dial("udp", ep.Addr())
	require.NoError(t, err)
	defer sender.Close()

	for _, msg := range []string{"first", "second"} {
		_, err := sender.Write([]byte(msg))
		require.NoError(t, err)
	}

	for _, want := range []string{"first", "second"} {
		unit, err := ep.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(unit))
	}
}

func TestDatagram_EgressSend(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx := context.Background()
	ep, err := Dial(ctx, Options{Role: RoleEgress, Protocol: UDP, Address: listener.LocalAddr().String()})
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, ep.Send(ctx, []byte("payload")))

	buf := make([]byte, 64)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestDatagram_IngestTimeouts(t *testing.T) {
	ctx := context.Background()
	ep, err := Dial(ctx, Options{
		Role:                 RoleIngest,
		Protocol:             UDP,
		Address:              "127.0.0.1:0",
		ReadTimeout:          5 * time.Millisecond,
		MaxConsecutiveErrors: 2,
	})
	require.NoError(t, err)
	defer ep.Close()

	_, err = ep.Receive(ctx)
	assert.True(t, errors.Is(err, ErrTransient))
	_, err = ep.Receive(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, Disconnected, ep.State())
}
