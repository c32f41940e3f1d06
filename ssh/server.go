// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// serverVersion is the default identification string a ServerConn sends
// before key exchange begins.
var serverVersion = []byte("SSH-2.0-Go")

// ConnMetadata exposes the facts about a connection that authentication
// callbacks and channel handlers need without reaching into ServerConn's
// internals.
type ConnMetadata interface {
	User() string
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	SessionID() []byte
}

// ServerConfig configures NewServerConn. At least one host key must be
// added via AddHostKey before use.
type ServerConfig struct {
	Rand io.Reader

	// PasswordCallback, if set, is consulted for "password" userauth
	// requests. Returning a nil error grants access.
	PasswordCallback func(conn ConnMetadata, user, password string) error

	// PublicKeyCallback, if set, is consulted for "publickey" userauth
	// requests. It is called twice per key the client offers: once
	// during the query phase (to decide whether to ask for a real
	// signature) and once more when the signed request arrives, before
	// the signature is verified, so it should be side-effect free and
	// fast.
	PublicKeyCallback func(conn ConnMetadata, pubKey PublicKey) error

	// KeyboardInteractiveCallback, if set, is consulted for
	// "keyboard-interactive" userauth requests (RFC 4256).
	KeyboardInteractiveCallback func(conn ConnMetadata, client KeyboardInteractiveChallenge) error

	// NoClientAuth, if true, grants any userauth request without
	// consulting the callbacks above. Intended for tests only.
	NoClientAuth bool

	// AllowTCPIPForward controls whether "tcpip-forward" global requests
	// (RFC 4254 section 7.1) are honored. Default false.
	AllowTCPIPForward bool

	Crypto CryptoConfig

	// ServerVersion overrides the identification string sent to
	// clients. If empty, a default is used.
	ServerVersion string

	// Logger receives structured events (handshake outcome, auth
	// attempts, rekeys). A nil Logger uses a package default that
	// writes to stderr.
	Logger *slog.Logger

	hostKeys []Signer
}

// KeyboardInteractiveChallenge issues one RFC 4256 INFO_REQUEST and
// returns the client's answers.
type KeyboardInteractiveChallenge func(user, instruction string, questions []string, echos []bool) ([]string, error)

// AddHostKey registers a host key the server may offer during key
// exchange; the first key whose algorithm matches the negotiated
// ServerHostKeyAlgo is used.
func (s *ServerConfig) AddHostKey(key Signer) {
	s.hostKeys = append(s.hostKeys, key)
}

func (s *ServerConfig) rand() io.Reader {
	if s.Rand == nil {
		return rand.Reader
	}
	return s.Rand
}

func (s *ServerConfig) hostKeyForAlgo(algo string) Signer {
	for _, k := range s.hostKeys {
		if k.PublicKey().PrivateKeyAlgo() == algo {
			return k
		}
	}
	return nil
}

// ServerConn is the server side of an established SSH connection.
type ServerConn struct {
	*transport
	config *ServerConfig

	channels chanList

	user      string
	sessionID []byte
	remote    net.Addr
	local     net.Addr

	// ownVersion and peerVersion are the identification strings exchanged
	// before the first key exchange. They stay fixed for the life of the
	// connection and must be reused, not regenerated, on every rekey.
	ownVersion  []byte
	peerVersion []byte

	accepts chan serverAccept

	forwardMu  sync.Mutex
	forwardLns map[string]net.Listener
}

// serverAccept is one result handed from mainLoop to a caller blocked in
// Accept: either a freshly opened channel, or the terminal error that
// ended the connection.
type serverAccept struct {
	ch  NewChannel
	err error
}

func (s *ServerConn) chans() *chanList   { return &s.channels }
func (s *ServerConn) User() string       { return s.user }
func (s *ServerConn) RemoteAddr() net.Addr { return s.remote }
func (s *ServerConn) LocalAddr() net.Addr  { return s.local }
func (s *ServerConn) SessionID() []byte    { return s.sessionID }

// NewServerConn runs the server side of the handshake and authentication
// over c, then returns a ServerConn whose Accept method yields inbound
// channel-open requests.
func NewServerConn(c net.Conn, config *ServerConfig) (*ServerConn, error) {
	if len(config.hostKeys) == 0 {
		return nil, errors.New("ssh: server has no host keys")
	}
	conn := &ServerConn{
		transport:  newTransport(c, config.rand()),
		config:     config,
		remote:     c.RemoteAddr(),
		local:      c.LocalAddr(),
		accepts:    make(chan serverAccept, 16),
		forwardLns: make(map[string]net.Listener),
	}
	log := serverLogger(config)
	if err := conn.handshake(); err != nil {
		conn.Close()
		log.Warn("server handshake failed", "remote", conn.remote, "error", err)
		return nil, fmt.Errorf("ssh: server handshake failed: %w", err)
	}
	log.Info("server handshake complete", "remote", conn.remote, "user", conn.user)
	go conn.mainLoop()
	return conn, nil
}

func (s *ServerConn) handshake() error {
	var magics handshakeMagics

	version := []byte(s.config.ServerVersion)
	if len(version) == 0 {
		version = serverVersion
	}
	magics.serverVersion = version
	s.ownVersion = version
	out := append(append([]byte{}, version...), '\r', '\n')
	if _, err := s.Write(out); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}

	clientVersion, err := readVersion(s.transport)
	if err != nil {
		return err
	}
	magics.clientVersion = clientVersion
	s.peerVersion = clientVersion

	if err := s.kex(&magics, nil); err != nil {
		return err
	}
	return s.authenticateServer()
}

// kex runs one key exchange round (initial or rekey) to completion. It
// always writes its own KEXINIT first. If packet is nil, it then reads the
// client's KEXINIT off the wire itself (the initial handshake, or a rekey
// the server decided to start on its own); if packet is already the
// client's KEXINIT, mainLoop read it while scanning for channel traffic
// and kex parses it directly instead of reading again.
func (s *ServerConn) kex(magics *handshakeMagics, packet []byte) error {
	serverKexInit := kexInitMsg{
		KexAlgos:                s.config.Crypto.kexes(),
		ServerHostKeyAlgos:      s.hostKeyAlgos(),
		CiphersClientServer:     s.config.Crypto.ciphers(),
		CiphersServerClient:     s.config.Crypto.ciphers(),
		MACsClientServer:        s.config.Crypto.macs(),
		MACsServerClient:        s.config.Crypto.macs(),
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
	}

	serverKexInitPacket := marshal(msgKexInit, serverKexInit)
	magics.serverKexInit = serverKexInitPacket
	if err := s.writePacket(serverKexInitPacket); err != nil {
		return err
	}

	if packet == nil {
		// No KEXINIT was already in hand, so this is either the initial
		// handshake or a rekey the server itself decided to start: read
		// whatever the client sends next, which is its KEXINIT regardless
		// of who initiated, since both sides always send their own.
		var err error
		packet, err = s.readPacket()
		if err != nil {
			return err
		}
	}
	magics.clientKexInit = packet
	var clientKexInit kexInitMsg
	if err := unmarshal(&clientKexInit, packet, msgKexInit); err != nil {
		return err
	}

	kexAlgoName, hostKeyAlgo, ok := findAgreedAlgorithms(s.transport, &clientKexInit, &serverKexInit)
	if !ok {
		return errors.New("ssh: no common algorithms")
	}
	priv := s.config.hostKeyForAlgo(hostKeyAlgo)
	if priv == nil {
		return fmt.Errorf("ssh: no host key for algorithm %s", hostKeyAlgo)
	}

	kex, err := kexAlgorithmForName(kexAlgoName)
	if err != nil {
		return err
	}
	result, err := kex.Server(s.transport, magics, priv, s.config.rand())
	if err != nil {
		return err
	}

	if err := s.readNewKeys(); err != nil {
		return err
	}
	sessionID := s.sessionID
	if sessionID == nil {
		sessionID = result.H
	}
	readKeys, writeKeys := clientKeys, serverKeys
	readKeys.isRead, writeKeys.isRead = true, false
	if err := s.transport.reader.setupKeys(readKeys, result.K, result.H, sessionID, result.Hash); err != nil {
		return err
	}
	if err := s.writePacket([]byte{msgNewKeys}); err != nil {
		return err
	}
	if err := s.transport.writer.setupKeys(writeKeys, result.K, result.H, sessionID, result.Hash); err != nil {
		return err
	}
	if s.sessionID == nil {
		s.sessionID = result.H
	}
	return nil
}

func (s *ServerConn) readNewKeys() error {
	packet, err := s.readPacket()
	if err != nil {
		return err
	}
	if packet[0] != msgNewKeys {
		return UnexpectedMessageError{msgNewKeys, packet[0]}
	}
	return nil
}

func (s *ServerConn) hostKeyAlgos() []string {
	out := make([]string, 0, len(s.config.hostKeys))
	for _, k := range s.config.hostKeys {
		out = append(out, k.PublicKey().PrivateKeyAlgo())
	}
	return out
}

// Accept blocks for the next inbound channel-open request and should be
// called in a loop for the life of the connection. The actual reading of
// the wire happens on a background task started by NewServerConn;
// Accept only waits for that task to hand off a channel or the error that
// ended the connection.
func (s *ServerConn) Accept() (NewChannel, error) {
	a := <-s.accepts
	return a.ch, a.err
}

// mainLoop reads incoming packets for the lifetime of the connection,
// rekeying once the rekey byte threshold is crossed (or the client asks
// first), routing connection-protocol messages to their channel, and
// handing freshly opened channels to whichever task is blocked in Accept.
func (s *ServerConn) mainLoop() {
	defer s.channels.closeAll()
	defer s.closeForwardListeners()

	for {
		if s.transport.needsRekey() {
			magics := &handshakeMagics{clientVersion: s.peerVersion, serverVersion: s.ownVersion}
			if err := s.kex(magics, nil); err != nil {
				s.accepts <- serverAccept{err: err}
				return
			}
		}

		packet, err := s.readPacket()
		if err != nil {
			s.accepts <- serverAccept{err: err}
			return
		}
		if len(packet) > 0 && packet[0] == msgKexInit {
			// The client initiated a rekey; respond in kind using the
			// KEXINIT already read instead of waiting for another one.
			magics := &handshakeMagics{clientVersion: s.peerVersion, serverVersion: s.ownVersion}
			if err := s.kex(magics, packet); err != nil {
				s.accepts <- serverAccept{err: err}
				return
			}
			continue
		}
		if len(packet) > 0 && packet[0] == msgChannelOpen {
			nc, err := s.acceptChannelOpen(packet)
			if err == nil {
				s.accepts <- serverAccept{ch: nc}
			}
			continue
		}
		if len(packet) > 0 && packet[0] == msgGlobalRequest {
			s.handleGlobalRequest(packet)
			continue
		}
		if err := dispatchIncoming(s, packet); err != nil {
			if err == io.EOF {
				s.accepts <- serverAccept{err: io.EOF}
				return
			}
		}
	}
}

func (s *ServerConn) acceptChannelOpen(packet []byte) (NewChannel, error) {
	var open channelOpenMsg
	if err := unmarshal(&open, packet, msgChannelOpen); err != nil {
		return nil, err
	}
	ch := s.channels.newChan(s.transport)
	return &pendingChannel{conn: s, channel: ch, open: open}, nil
}

func (s *ServerConn) handleGlobalRequest(packet []byte) {
	var req globalRequestMsg
	if err := unmarshal(&req, packet, msgGlobalRequest); err != nil {
		return
	}

	switch req.Type {
	case "tcpip-forward":
		s.handleTCPIPForward(req)
	case "cancel-tcpip-forward":
		s.handleCancelTCPIPForward(req)
	default:
		if req.WantReply {
			s.writePacket(marshal(msgRequestFailure, globalRequestFailureMsg{}))
		}
	}
}

// handleTCPIPForward answers an RFC 4254 section 7.1 request by binding a
// listener on the client's behalf and relaying every accepted connection
// back over a "forwarded-tcpip" channel.
func (s *ServerConn) handleTCPIPForward(req globalRequestMsg) {
	fail := func() {
		if req.WantReply {
			s.writePacket(marshal(msgRequestFailure, globalRequestFailureMsg{}))
		}
	}

	if !s.config.AllowTCPIPForward {
		fail()
		return
	}
	fwd, _, ok := parseTCPIPForwardRequestPayload(req.Data)
	if !ok {
		fail()
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(fwd.Addr, fmt.Sprint(fwd.Port)))
	if err != nil {
		fail()
		return
	}

	boundPort := uint32(ln.Addr().(*net.TCPAddr).Port)
	key := net.JoinHostPort(fwd.Addr, fmt.Sprint(boundPort))
	s.forwardMu.Lock()
	s.forwardLns[key] = ln
	s.forwardMu.Unlock()

	if req.WantReply {
		reply := globalRequestSuccessMsg{Data: appendU32(nil, boundPort)}
		if err := s.writePacket(marshal(msgRequestSuccess, reply)); err != nil {
			ln.Close()
			return
		}
	}

	go s.acceptForwardedConns(ln, fwd.Addr, boundPort)
}

func (s *ServerConn) acceptForwardedConns(ln net.Listener, bindAddr string, boundPort uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.forwardConn(conn, bindAddr, boundPort)
	}
}

func (s *ServerConn) forwardConn(conn net.Conn, bindAddr string, boundPort uint32) {
	defer conn.Close()

	originHost, originPortStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	originPort, err := parsePortString(originPortStr)
	if err != nil {
		return
	}

	payload := marshalDirectTCPIPData(directTCPIPData{
		HostToConnect:  bindAddr,
		PortToConnect:  boundPort,
		OriginatorAddr: originHost,
		OriginatorPort: uint32(originPort),
	})
	ch, err := openChannel(s, s.transport, "forwarded-tcpip", payload)
	if err != nil {
		return
	}
	defer ch.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); ch.CloseWrite(); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
	<-done
}

func (s *ServerConn) handleCancelTCPIPForward(req globalRequestMsg) {
	fwd, _, ok := parseTCPIPForwardRequestPayload(req.Data)
	if !ok {
		if req.WantReply {
			s.writePacket(marshal(msgRequestFailure, globalRequestFailureMsg{}))
		}
		return
	}
	key := net.JoinHostPort(fwd.Addr, fmt.Sprint(fwd.Port))

	s.forwardMu.Lock()
	ln, ok := s.forwardLns[key]
	delete(s.forwardLns, key)
	s.forwardMu.Unlock()

	if ok {
		ln.Close()
	}
	if req.WantReply {
		if ok {
			s.writePacket(marshal(msgRequestSuccess, globalRequestSuccessMsg{}))
		} else {
			s.writePacket(marshal(msgRequestFailure, globalRequestFailureMsg{}))
		}
	}
}

func (s *ServerConn) closeForwardListeners() {
	s.forwardMu.Lock()
	defer s.forwardMu.Unlock()
	for _, ln := range s.forwardLns {
		ln.Close()
	}
	s.forwardLns = make(map[string]net.Listener)
}
