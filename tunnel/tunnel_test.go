// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChannel stands in for an ssh.Channel: a forwarded connection's
// payload arrives as plain bytes from one end of a net.Pipe, exercising
// Splice without bringing up a full client/server handshake.
type fakeChannel struct {
	net.Conn
}

func (f fakeChannel) CloseWrite() error { return nil }
func (f fakeChannel) SendRequest(string, bool, []byte) (bool, error) {
	return false, nil
}
func (f fakeChannel) Stderr() io.Reader { return strings.NewReader("") }

// echoHandler upgrades every request to a WebSocket and echoes back
// whatever binary messages it receives, standing in for a remote echo
// endpoint reached through the tunnel.
type echoHandler struct{}

func (echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := AcceptWebSocket(w, r)
	if err != nil {
		return
	}
	io.Copy(conn, conn)
	conn.Close()
}

func TestSpliceTunnelsChannelThroughWebSocket(t *testing.T) {
	srv := httptest.NewServer(echoHandler{})
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	carrier, err := DialWebSocket(ctx, wsURL)
	require.NoError(t, err)

	local, remote := net.Pipe()
	ch := fakeChannel{Conn: remote}

	done := make(chan error, 1)
	go func() { done <- Splice(ch, carrier) }()

	want := []byte("tunnel this payload through a websocket")
	go func() {
		local.Write(want)
	}()

	got := make([]byte, len(want))
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(local, got)
	require.NoError(t, err, "read echo")
	require.Equal(t, want, got)

	local.Close()
	<-done
}

func TestChannelConnImplementsNetConn(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	cc := NewChannelConn(fakeChannel{Conn: local}, nil, nil)
	var _ net.Conn = cc

	require.Nil(t, cc.LocalAddr())
	require.Nil(t, cc.RemoteAddr())
	require.NoError(t, cc.SetDeadline(time.Now()))
}
