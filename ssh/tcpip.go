// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// directTCPIPData is the CHANNEL_OPEN type-specific payload for
// "direct-tcpip" and "forwarded-tcpip" channels (RFC 4254 sections 7.1
// and 7.2).
type directTCPIPData struct {
	HostToConnect  string
	PortToConnect  uint32
	OriginatorAddr string
	OriginatorPort uint32
}

// parseTCPAddr decodes the (address string, port uint32) pair that
// appears twice in directTCPIPData's wire form.
func parseTCPAddr(b []byte) (*net.TCPAddr, []byte, bool) {
	addr, b, ok := parseString(b)
	if !ok {
		return nil, b, false
	}
	port, b, ok := parseUint32(b)
	if !ok {
		return nil, b, false
	}
	ip := net.ParseIP(string(addr))
	if ip == nil {
		return nil, b, false
	}
	return &net.TCPAddr{IP: ip, Port: int(port)}, b, true
}

// DialTCPIP opens a "direct-tcpip" channel to addr through the SSH
// connection, returning a Channel the
// caller can treat as a byte stream to that remote endpoint.
func (c *ClientConn) DialTCPIP(addr string, originatorAddr string, originatorPort int) (Channel, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := parsePortString(portStr)
	if err != nil {
		return nil, err
	}

	payload := marshalDirectTCPIPData(directTCPIPData{
		HostToConnect:  host,
		PortToConnect:  uint32(port),
		OriginatorAddr: originatorAddr,
		OriginatorPort: uint32(originatorPort),
	})
	ch, _, err := c.OpenChannel("direct-tcpip", payload)
	return ch, err
}

func parsePortString(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("ssh: invalid port %q: %w", s, err)
	}
	return port, nil
}

func marshalDirectTCPIPData(d directTCPIPData) []byte {
	length := stringLength(len(d.HostToConnect)) + 4 + stringLength(len(d.OriginatorAddr)) + 4
	buf := make([]byte, length)
	r := marshalString(buf, []byte(d.HostToConnect))
	r = marshalUint32(r, d.PortToConnect)
	r = marshalString(r, []byte(d.OriginatorAddr))
	marshalUint32(r, d.OriginatorPort)
	return buf
}

func parseDirectTCPIPData(b []byte) (directTCPIPData, bool) {
	var d directTCPIPData
	host, b, ok := parseString(b)
	if !ok {
		return d, false
	}
	port, b, ok := parseUint32(b)
	if !ok {
		return d, false
	}
	origAddr, b, ok := parseString(b)
	if !ok {
		return d, false
	}
	origPort, _, ok := parseUint32(b)
	if !ok {
		return d, false
	}
	d.HostToConnect = string(host)
	d.PortToConnect = port
	d.OriginatorAddr = string(origAddr)
	d.OriginatorPort = origPort
	return d, true
}

// forward pairs an accepted "forwarded-tcpip" channel with the raw
// address the server reported it connected on behalf of.
type forward struct {
	ch    Channel
	raddr *net.TCPAddr
}

// forwardList is the client's table of active remote port forwards
//, keyed by the local
// bind address passed to Listen.
type forwardList struct {
	sync.Mutex
	entries map[string]chan forward
}

func (l *forwardList) init() {
	l.Lock()
	defer l.Unlock()
	l.entries = make(map[string]chan forward)
}

func (l *forwardList) add(addr net.TCPAddr) chan forward {
	l.Lock()
	defer l.Unlock()
	ch := make(chan forward, 1)
	l.entries[addr.String()] = ch
	return ch
}

func (l *forwardList) lookup(addr net.TCPAddr) (chan forward, bool) {
	l.Lock()
	defer l.Unlock()
	ch, ok := l.entries[addr.String()]
	return ch, ok
}

func (l *forwardList) remove(addr net.TCPAddr) {
	l.Lock()
	defer l.Unlock()
	delete(l.entries, addr.String())
}

func (l *forwardList) closeAll() {
	l.Lock()
	defer l.Unlock()
	for _, ch := range l.entries {
		close(ch)
	}
	l.entries = make(map[string]chan forward)
}

// tcpipForwardRequest and its reply are the global-request payloads of
// RFC 4254 section 7.1 used to ask the server to listen on our behalf.
type tcpipForwardRequest struct {
	Addr string
	Port uint32
}

type tcpipForwardReply struct {
	Port uint32
}

// Listen asks the remote side to listen on laddr and returns a
// net.Listener whose Accept calls yield one Channel per inbound
// connection the server forwards back to us (RFC 4254 section 7).
func (c *ClientConn) Listen(network, laddr string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, errors.New("ssh: only tcp forwarding is supported")
	}
	host, portStr, err := net.SplitHostPort(laddr)
	if err != nil {
		return nil, err
	}
	port, err := parsePortString(portStr)
	if err != nil {
		return nil, err
	}

	reqPayload := marshalTCPIPForwardRequest(tcpipForwardRequest{Addr: host, Port: uint32(port)})
	reply, err := c.sendGlobalRequest(globalRequestMsg{Type: "tcpip-forward", WantReply: true, Data: reqPayload})
	if err != nil {
		return nil, err
	}

	boundPort := port
	if reply != nil && len(reply.Data) > 0 {
		if p, _, ok := parseUint32(reply.Data); ok {
			boundPort = int(p)
		}
	}

	bound := net.TCPAddr{IP: net.ParseIP(host), Port: boundPort}
	ch := c.forwards.add(bound)
	return &tcpipListener{conn: c, laddr: bound, pending: ch}, nil
}

// parseTCPIPForwardRequestPayload decodes the (address, port) payload of a
// "tcpip-forward" or "cancel-tcpip-forward" global request.
func parseTCPIPForwardRequestPayload(b []byte) (tcpipForwardRequest, []byte, bool) {
	var r tcpipForwardRequest
	addr, b, ok := parseString(b)
	if !ok {
		return r, b, false
	}
	port, b, ok := parseUint32(b)
	if !ok {
		return r, b, false
	}
	r.Addr = string(addr)
	r.Port = port
	return r, b, true
}

func marshalTCPIPForwardRequest(r tcpipForwardRequest) []byte {
	length := stringLength(len(r.Addr)) + 4
	buf := make([]byte, length)
	rest := marshalString(buf, []byte(r.Addr))
	marshalUint32(rest, r.Port)
	return buf
}

// tcpipListener implements net.Listener over the channel-delivery
// mechanism of forwardList; Accept blocks for the next "forwarded-tcpip"
// channel the mainLoop hands it.
type tcpipListener struct {
	conn    *ClientConn
	laddr   net.TCPAddr
	pending chan forward
}

func (l *tcpipListener) Accept() (net.Conn, error) {
	f, ok := <-l.pending
	if !ok {
		return nil, errors.New("ssh: forward listener closed")
	}
	return &channelConn{Channel: f.ch, laddr: &l.laddr, raddr: f.raddr}, nil
}

func (l *tcpipListener) Close() error {
	l.conn.forwards.remove(l.laddr)
	req := marshalTCPIPForwardRequest(tcpipForwardRequest{Addr: l.laddr.IP.String(), Port: uint32(l.laddr.Port)})
	_, err := l.conn.sendGlobalRequest(globalRequestMsg{Type: "cancel-tcpip-forward", WantReply: true, Data: req})
	return err
}

func (l *tcpipListener) Addr() net.Addr { return &l.laddr }

// channelConn adapts a Channel to net.Conn for callers (notably the
// tunnel package) that want to drive it with stream-oriented code
// written against the standard library's networking interfaces.
type channelConn struct {
	Channel
	laddr, raddr net.Addr
}

func (c *channelConn) LocalAddr() net.Addr  { return c.laddr }
func (c *channelConn) RemoteAddr() net.Addr { return c.raddr }

// SetDeadline and friends have no equivalent in the SSH channel flow
// control model; callers
// needing them should wrap the connection's own read/write timeouts
// instead.
func (c *channelConn) SetDeadline(t time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(t time.Time) error { return nil }

// handleForwardedTCPIP accepts an inbound CHANNEL_OPEN for
// "forwarded-tcpip", matching it against a pending Listen call (RFC 4254
// section 7.2).
func (c *ClientConn) handleForwardedTCPIP(msg *channelOpenMsg) {
	data, ok := parseDirectTCPIPData(msg.TypeSpecificData)
	if !ok {
		c.rejectChannel(msg, AdministrativelyProhibited, "invalid forwarded-tcpip payload")
		return
	}
	laddr := net.TCPAddr{IP: net.ParseIP(data.HostToConnect), Port: int(data.PortToConnect)}
	pending, ok := c.forwards.lookup(laddr)
	if !ok {
		c.rejectChannel(msg, AdministrativelyProhibited, "no forward listener for "+laddr.String())
		return
	}

	ch := c.channels.newChan(c.transport)
	ch.remoteId = msg.PeersId
	ch.remoteWin.add(msg.PeersWindow)
	ch.maxPacket = msg.MaxPacketSize

	confirm := channelOpenConfirmMsg{
		PeersId:       ch.remoteId,
		MyId:          ch.localId,
		MyWindow:      ch.myWindow,
		MaxPacketSize: channelMaxPacket,
	}
	if err := c.writePacket(marshal(msgChannelOpenConfirm, confirm)); err != nil {
		return
	}

	raddr := &net.TCPAddr{IP: net.ParseIP(data.OriginatorAddr), Port: int(data.OriginatorPort)}
	pending <- forward{ch: ch, raddr: raddr}
}

func (c *ClientConn) rejectChannel(msg *channelOpenMsg, reason uint32, message string) {
	m := channelOpenFailureMsg{PeersId: msg.PeersId, Reason: reason, Message: message, Language: "en"}
	c.writePacket(marshal(msgChannelOpenFailure, m))
}
