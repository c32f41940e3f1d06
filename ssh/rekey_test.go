// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// echoAllServer drains every byte the client sends on the first session
// channel it sees and writes it straight back, run continuously so the
// connection survives a mid-stream rekey.
func echoAllServer(t *testing.T, conn *ServerConn, done chan<- error) {
	t.Helper()
	newCh, err := conn.Accept()
	if err != nil {
		done <- err
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		done <- err
		return
	}
	go DiscardRequests(reqs)

	_, err = io.Copy(ch, ch)
	ch.Close()
	done <- err
}

// TestRekey drives enough traffic across a single session channel to
// cross a deliberately small rekeyThreshold at least once, and checks
// that the connection keeps working and the session identifier used for
// key derivation never changes across the rekey (RFC 4253 section 7.2:
// session_id is fixed for the life of the connection).
func TestRekey(t *testing.T) {
	old := rekeyThreshold
	rekeyThreshold = 8192
	defer func() { rekeyThreshold = old }()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := NewSignerFromKey(priv)
	require.NoError(t, err)

	serverConfig := &ServerConfig{NoClientAuth: true}
	serverConfig.AddHostKey(hostKey)

	serverErr := make(chan error, 1)
	var server *ServerConn
	go func() {
		var err error
		server, err = NewServerConn(serverConn, serverConfig)
		serverErr <- err
	}()

	clientConfig := &ClientConfig{
		User:           "test",
		Auth:           []ClientAuth{ClientAuthPassword("unused")},
		HostKeyChecker: InsecureIgnoreHostKey(),
	}
	client, err := clientWithAddress(clientConn, "pipe", clientConfig)
	require.NoError(t, err, "client handshake")
	defer client.Close()

	require.NoError(t, <-serverErr, "server handshake")

	initialClientSessionID := append([]byte{}, client.sessionID...)
	initialServerSessionID := append([]byte{}, server.sessionID...)
	require.Equal(t, initialServerSessionID, initialClientSessionID, "client and server disagree on the initial session id")

	serveDone := make(chan error, 1)
	go echoAllServer(t, server, serveDone)

	session, err := NewSession(client)
	require.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	// Comfortably more than rekeyThreshold bytes in each direction once
	// echoed back, so both sides cross the threshold mid-stream.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB
	writeErr := make(chan error, 1)
	go func() {
		_, err := stdin.Write(payload)
		if err == nil {
			err = stdin.Close()
		}
		writeErr <- err
	}()

	got, err := io.ReadAll(session.Stdout)
	require.NoError(t, err, "read stdout")
	require.NoError(t, <-writeErr, "write stdin")
	if err := <-serveDone; err != nil && err != io.EOF {
		require.NoError(t, err, "server echo")
	}
	require.Equal(t, payload, got, "echoed payload corrupted")

	require.Equal(t, initialClientSessionID, client.sessionID, "client session id changed across a rekey")
	require.Equal(t, initialServerSessionID, server.sessionID, "server session id changed across a rekey")
}
