// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tunnel adapts an SSH direct-tcpip channel to other stream
// carriers, so a forwarded connection can be spliced onto
// something other than a raw TCP socket - in this package's case, a
// WebSocket connection, following the transport-swap pattern
// postalsys-Muti-Metroo uses to run its mesh protocol over WebSocket
// instead of TCP.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/massiveart/go.crypto/ssh"
)

// ChannelConn adapts an ssh.Channel to net.Conn, for code that wants to
// treat a forwarded channel like any other stream socket. SSH channel
// flow control has no deadline equivalent, so the deadline methods are
// no-ops.
type ChannelConn struct {
	ssh.Channel
	laddr, raddr net.Addr
}

// NewChannelConn wraps ch, optionally tagging it with local/remote
// addresses for callers that inspect them.
func NewChannelConn(ch ssh.Channel, laddr, raddr net.Addr) *ChannelConn {
	return &ChannelConn{Channel: ch, laddr: laddr, raddr: raddr}
}

func (c *ChannelConn) LocalAddr() net.Addr  { return c.laddr }
func (c *ChannelConn) RemoteAddr() net.Addr { return c.raddr }

func (c *ChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *ChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *ChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// DialWebSocket dials addr (a ws:// or wss:// URL) and returns a net.Conn
// that carries binary WebSocket messages as a byte stream, suitable as
// one side of Splice.
func DialWebSocket(ctx context.Context, addr string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
}

// AcceptWebSocket upgrades an inbound HTTP request to a WebSocket and
// returns it as a net.Conn, the server-side counterpart to
// DialWebSocket.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(r.Context(), c, websocket.MessageBinary), nil
}

// Splice copies bytes in both directions between a and b until either
// side's read half returns an error (typically io.EOF on close), then
// closes both ends. It returns the first error observed.
func Splice(a, b io.ReadWriteCloser) error {
	if a == nil || b == nil {
		return errors.New("tunnel: nil endpoint")
	}
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(b, a)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(a, b)
		errc <- err
	}()
	err := <-errc
	a.Close()
	b.Close()
	<-errc
	return err
}
