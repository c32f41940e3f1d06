// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ssh implements an SSH transport, authentication and connection
// protocol stack (RFC 4251-4254, plus the OpenSSH certificate and
// Curve25519 extensions).
//
// A client dials a server with Dial or Client, authenticating with one
// or more ClientAuth implementations (password, public key, or
// keyboard-interactive). Once connected, a ClientConn multiplexes
// channels: NewSession opens an interactive or exec session, OpenChannel
// opens an arbitrary channel type, and DialTCPIP/Listen implement local
// and remote TCP/IP forwarding (RFC 4254 section 7).
//
// A server accepts connections with NewServerConn, which authenticates
// the client against the callbacks on ServerConfig and then returns a
// ServerConn whose Accept method yields inbound channels.
//
// Identities are loaded with ParsePrivateKey (PEM-wrapped PKCS#1 RSA and
// openssh-key-v1 private keys) and ParsePublicKey, which also accepts
// OpenSSH certificates. CryptoConfig controls which key exchange, cipher and MAC
// algorithms a connection is willing to negotiate; a zero CryptoConfig
// uses this package's default, broad-compatibility suite.
package ssh
