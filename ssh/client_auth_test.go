// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateEd25519Signer(t *testing.T) Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// TestClientAuthPublicKeyRejected offers a publickey the server's
// PublicKeyCallback does not recognize and checks the client handshake
// returns an error instead of succeeding.
func TestClientAuthPublicKeyRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	hostKey := generateEd25519Signer(t)
	unauthorized := generateEd25519Signer(t)

	errUnrecognizedKey := errors.New("unrecognized key")
	serverConfig := &ServerConfig{
		PublicKeyCallback: func(conn ConnMetadata, pubKey PublicKey) error {
			return errUnrecognizedKey
		},
	}
	serverConfig.AddHostKey(hostKey)

	serverErr := make(chan error, 1)
	go func() {
		_, err := NewServerConn(serverConn, serverConfig)
		serverErr <- err
	}()

	clientConfig := &ClientConfig{
		User:           "test",
		Auth:           []ClientAuth{ClientAuthPublicKey(unauthorized)},
		HostKeyChecker: InsecureIgnoreHostKey(),
	}
	_, clientErr := clientWithAddress(clientConn, "pipe", clientConfig)
	require.Error(t, clientErr, "client handshake succeeded with an unauthorized key")

	// The server side fails too: once the client gives up and closes
	// the connection, the server's pending read returns an error.
	require.Error(t, <-serverErr, "server handshake reported success for an unauthorized client")
}

// TestClientAuthFallsThroughMethods checks that a client offering a
// rejected publickey before a valid password still authenticates,
// the client moving on to the next configured ClientAuth after a failed
// attempt.
func TestClientAuthFallsThroughMethods(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	hostKey := generateEd25519Signer(t)
	unauthorized := generateEd25519Signer(t)

	serverConfig := &ServerConfig{
		PublicKeyCallback: func(conn ConnMetadata, pubKey PublicKey) error {
			return errors.New("unrecognized key")
		},
		PasswordCallback: func(conn ConnMetadata, user, password string) error {
			if user == "test" && password == "correct" {
				return nil
			}
			return errors.New("bad password")
		},
	}
	serverConfig.AddHostKey(hostKey)

	serverErr := make(chan error, 1)
	go func() {
		_, err := NewServerConn(serverConn, serverConfig)
		serverErr <- err
	}()

	clientConfig := &ClientConfig{
		User: "test",
		Auth: []ClientAuth{
			ClientAuthPublicKey(unauthorized),
			ClientAuthPassword("correct"),
		},
		HostKeyChecker: InsecureIgnoreHostKey(),
	}
	client, err := clientWithAddress(clientConn, "pipe", clientConfig)
	require.NoError(t, err, "client handshake")
	defer client.Close()

	require.NoError(t, <-serverErr, "server handshake")
}
