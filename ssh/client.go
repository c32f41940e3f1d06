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

// clientVersion is the default identification string the client sends
// before key exchange begins.
var clientVersion = []byte("SSH-2.0-Go")

// ClientConn represents the client side of an established SSH connection,
// tracking session state and the open channel table from the client's
// point of view.
type ClientConn struct {
	*transport
	config *ClientConfig

	channels chanList
	forwards forwardList

	globalReqs globalRequest

	dialAddress string
	sessionID   []byte

	serverVersion string

	// ownVersion and peerVersion are the identification strings exchanged
	// before the first key exchange. They stay fixed for the life of the
	// connection and must be reused, not regenerated, on every rekey.
	ownVersion  []byte
	peerVersion []byte

	extraChans   sync.Mutex
	extraChanMap map[string]chan NewChannel
}

func (c *ClientConn) chans() *chanList { return &c.channels }

type globalRequest struct {
	sync.Mutex
	response chan interface{}
}

// Client negotiates an SSH connection using c as the underlying
// transport and authenticates as config.User.
func Client(c net.Conn, config *ClientConfig) (*ClientConn, error) {
	return clientWithAddress(c, "", config)
}

func clientWithAddress(c net.Conn, addr string, config *ClientConfig) (*ClientConn, error) {
	conn := &ClientConn{
		transport:   newTransport(c, config.rand()),
		config:      config,
		globalReqs: globalRequest{response: make(chan interface{}, 1)},
		dialAddress: addr,
	}
	conn.forwards.init()

	log := clientLogger(config)
	if err := conn.handshake(); err != nil {
		conn.Close()
		log.Warn("client handshake failed", "addr", addr, "error", err)
		return nil, fmt.Errorf("ssh: handshake failed: %w", err)
	}
	log.Info("client handshake complete", "addr", addr, "server_version", conn.serverVersion)
	go conn.mainLoop()
	return conn, nil
}

// handshake performs the client side of the key exchange and
// authentication.
func (c *ClientConn) handshake() error {
	var magics handshakeMagics

	version := []byte(c.config.ClientVersion)
	if len(version) == 0 {
		version = clientVersion
	}
	magics.clientVersion = version
	c.ownVersion = version
	version = append(append([]byte{}, version...), '\r', '\n')
	if _, err := c.Write(version); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}

	serverVersion, err := readVersion(c.transport)
	if err != nil {
		return err
	}
	magics.serverVersion = serverVersion
	c.serverVersion = string(serverVersion)
	c.peerVersion = serverVersion

	result, err := c.kex(&magics, nil)
	if err != nil {
		return err
	}

	if checker := c.config.HostKeyChecker; checker != nil {
		if err := checker.Check(c.dialAddress, c.RemoteAddr(), result.hostKeyAlgo, result.result.HostKey); err != nil {
			return err
		}
	}

	if c.sessionID == nil {
		c.sessionID = result.result.H
	}

	return c.authenticate(c.sessionID)
}

type kexOutcome struct {
	result      *kexResult
	hostKeyAlgo string
}

// kex runs one key exchange round (initial or rekey) to completion,
// installing fresh send/receive ciphers on success. packet is the server's
// KEXINIT if mainLoop has already read it off the wire (a server-initiated
// rekey); otherwise it is nil and kex reads the reply itself after sending
// its own KEXINIT (the initial handshake, and a client-initiated rekey).
func (c *ClientConn) kex(magics *handshakeMagics, packet []byte) (*kexOutcome, error) {
	clientKexInit := kexInitMsg{
		KexAlgos:                c.config.Crypto.kexes(),
		ServerHostKeyAlgos:      supportedHostKeyAlgos,
		CiphersClientServer:     c.config.Crypto.ciphers(),
		CiphersServerClient:     c.config.Crypto.ciphers(),
		MACsClientServer:        c.config.Crypto.macs(),
		MACsServerClient:        c.config.Crypto.macs(),
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
	}
	kexInitPacket := marshal(msgKexInit, clientKexInit)
	magics.clientKexInit = kexInitPacket
	if err := c.writePacket(kexInitPacket); err != nil {
		return nil, err
	}

	if packet == nil {
		var err error
		packet, err = c.readPacket()
		if err != nil {
			return nil, err
		}
	}
	magics.serverKexInit = packet

	var serverKexInit kexInitMsg
	if err := unmarshal(&serverKexInit, packet, msgKexInit); err != nil {
		return nil, err
	}

	kexAlgoName, hostKeyAlgo, ok := findAgreedAlgorithms(c.transport, &clientKexInit, &serverKexInit)
	if !ok {
		return nil, errors.New("ssh: no common algorithms")
	}

	if serverKexInit.FirstKexFollows && kexAlgoName != serverKexInit.KexAlgos[0] {
		// The server guessed the wrong algorithm; discard the
		// speculative packet it already sent.
		if _, err := c.readPacket(); err != nil {
			return nil, err
		}
	}

	kex, err := kexAlgorithmForName(kexAlgoName)
	if err != nil {
		return nil, err
	}
	result, err := kex.Client(c.transport, magics, hostKeyAlgo, c.config.rand())
	if err != nil {
		return nil, err
	}

	if err := verifyHostKeySignature(hostKeyAlgo, result.HostKey, result.H, result.Signature); err != nil {
		return nil, err
	}

	if err := c.writePacket([]byte{msgNewKeys}); err != nil {
		return nil, err
	}
	sessionID := c.sessionID
	if sessionID == nil {
		sessionID = result.H
	}
	if err := c.transport.writer.setupKeys(clientKeys, result.K, result.H, sessionID, result.Hash); err != nil {
		return nil, err
	}

	packet, err = c.readPacket()
	if err != nil {
		return nil, err
	}
	if packet[0] != msgNewKeys {
		return nil, UnexpectedMessageError{msgNewKeys, packet[0]}
	}
	if err := c.transport.reader.setupKeys(serverKeys, result.K, result.H, sessionID, result.Hash); err != nil {
		return nil, err
	}

	return &kexOutcome{result: result, hostKeyAlgo: hostKeyAlgo}, nil
}

// mainLoop reads incoming packets for the lifetime of the connection,
// routing connection-protocol messages to their channel and rekeying
// once the rekey byte threshold is crossed.
func (c *ClientConn) mainLoop() {
	defer func() {
		c.Close()
		c.channels.closeAll()
		c.forwards.closeAll()
		c.extraChans.Lock()
		for _, ch := range c.extraChanMap {
			close(ch)
		}
		c.extraChanMap = nil
		c.extraChans.Unlock()
	}()

	for {
		if c.transport.needsRekey() {
			magics := &handshakeMagics{clientVersion: c.ownVersion, serverVersion: c.peerVersion}
			if _, err := c.kex(magics, nil); err != nil {
				return
			}
		}

		packet, err := c.readPacket()
		if err != nil {
			return
		}

		if len(packet) > 0 && packet[0] == msgKexInit {
			// The server initiated a rekey; respond in kind using the
			// KEXINIT already read instead of waiting for another one.
			magics := &handshakeMagics{clientVersion: c.ownVersion, serverVersion: c.peerVersion}
			if _, err := c.kex(magics, packet); err != nil {
				return
			}
			continue
		}

		if handled := c.handleForwardedOpen(packet); handled {
			continue
		}

		if err := dispatchIncoming(c, packet); err != nil {
			if err == io.EOF {
				return
			}
			if _, ok := err.(UnexpectedMessageError); ok {
				continue
			}
			if _, ok := decodeAsGlobalRequestReply(packet); ok {
				continue
			}
			return
		}

		if packet[0] == msgGlobalRequest || packet[0] == msgRequestSuccess || packet[0] == msgRequestFailure {
			c.handleGlobalRequestTraffic(packet)
		}
	}
}

func decodeAsGlobalRequestReply(packet []byte) (interface{}, bool) {
	if len(packet) == 0 {
		return nil, false
	}
	return nil, packet[0] == msgRequestSuccess || packet[0] == msgRequestFailure
}

func (c *ClientConn) handleGlobalRequestTraffic(packet []byte) {
	switch packet[0] {
	case msgGlobalRequest:
		var req globalRequestMsg
		if unmarshal(&req, packet, msgGlobalRequest) == nil && req.WantReply {
			c.writePacket(marshal(msgRequestFailure, globalRequestFailureMsg{}))
		}
	case msgRequestSuccess:
		var m globalRequestSuccessMsg
		unmarshal(&m, packet, msgRequestSuccess)
		c.globalReqs.response <- &m
	case msgRequestFailure:
		var m globalRequestFailureMsg
		unmarshal(&m, packet, msgRequestFailure)
		c.globalReqs.response <- &m
	}
}

// handleForwardedOpen intercepts CHANNEL_OPEN("forwarded-tcpip") before
// dispatchIncoming, since routing it requires the client's forward
// listener table (tcpip.go) rather than a reply to the local caller.
func (c *ClientConn) handleForwardedOpen(packet []byte) bool {
	if len(packet) == 0 || packet[0] != msgChannelOpen {
		return false
	}
	var open channelOpenMsg
	if err := unmarshal(&open, packet, msgChannelOpen); err != nil {
		return false
	}
	if open.ChanType == "forwarded-tcpip" {
		c.handleForwardedTCPIP(&open)
		return true
	}

	if dest := c.lookupExtraChanHandler(open.ChanType); dest != nil {
		ch := c.channels.newChan(c.transport)
		ch.remoteId = open.PeersId
		ch.remoteWin.add(open.PeersWindow)
		ch.maxPacket = open.MaxPacketSize
		dest <- &pendingChannel{conn: c, channel: ch, open: open}
		return true
	}

	return false
}

// HandleChannelOpen registers interest in inbound CHANNEL_OPEN requests of
// the given type, returning a channel that yields one NewChannel per
// request (the agent-forwarding use case: a server opens
// "auth-agent@openssh.com" channels back to a client that requested
// forwarding). Only one caller may register a given channelType at a
// time; a second call replaces the first.
func (c *ClientConn) HandleChannelOpen(channelType string) <-chan NewChannel {
	c.extraChans.Lock()
	defer c.extraChans.Unlock()
	if c.extraChanMap == nil {
		c.extraChanMap = make(map[string]chan NewChannel)
	}
	ch := make(chan NewChannel, 16)
	c.extraChanMap[channelType] = ch
	return ch
}

func (c *ClientConn) lookupExtraChanHandler(channelType string) chan NewChannel {
	c.extraChans.Lock()
	defer c.extraChans.Unlock()
	return c.extraChanMap[channelType]
}

// sendGlobalRequest sends a global request (RFC 4254 section 4) and, for
// wantReply requests, blocks for the response. Concurrent callers are
// serialized since replies are matched by arrival order, not an id.
func (c *ClientConn) sendGlobalRequest(m globalRequestMsg) (*globalRequestSuccessMsg, error) {
	c.globalReqs.Lock()
	defer c.globalReqs.Unlock()
	if err := c.writePacket(marshal(msgGlobalRequest, m)); err != nil {
		return nil, err
	}
	if !m.WantReply {
		return nil, nil
	}
	r := <-c.globalReqs.response
	if r, ok := r.(*globalRequestSuccessMsg); ok {
		return r, nil
	}
	return nil, errors.New("ssh: global request failed")
}

// OpenChannel opens a new client-initiated channel of the given type,
// blocking until the peer confirms or refuses it (RFC 4254 section 5.1).
func (c *ClientConn) OpenChannel(chanType string, extra []byte) (Channel, <-chan *Request, error) {
	ch, err := openChannel(c, c.transport, chanType, extra)
	if err != nil {
		return nil, nil, err
	}
	reqs := make(chan *Request, 16)
	go func() {
		defer close(reqs)
		for raw := range ch.msg {
			if m, ok := raw.(*channelRequestMsg); ok {
				reqs <- ch.newChannelRequest(m)
			}
		}
	}()
	return ch, reqs, nil
}

// Dial connects to addr over network and performs the client handshake.
func Dial(network, addr string, config *ClientConfig) (*ClientConn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return clientWithAddress(conn, addr, config)
}

// ClientConfig configures a ClientConn. Once passed to Dial or Client it
// must not be modified.
type ClientConfig struct {
	// Rand is the entropy source used during key exchange and signing.
	// A nil Rand uses crypto/rand.Reader.
	Rand io.Reader

	// User is the username to authenticate as.
	User string

	// Auth lists the authentication methods to attempt, in order. Only
	// the first instance of a given RFC 4252 method name is used.
	Auth []ClientAuth

	// HostKeyChecker, if set, is consulted during the handshake to
	// validate the server's host key. A nil
	// HostKeyChecker accepts any host key, which is appropriate only for
	// tests.
	HostKeyChecker HostKeyChecker

	// Crypto restricts which algorithms may be negotiated.
	Crypto CryptoConfig

	// ClientVersion overrides the identification string sent to the
	// server. If empty, a default is used.
	ClientVersion string

	// Logger receives structured events from the connection (handshake
	// outcome, rekeys, auth attempts). A nil Logger uses a package
	// default that writes to stderr.
	Logger *slog.Logger
}

func (c *ClientConfig) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}
