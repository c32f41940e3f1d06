// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Channel is the interface exposed to callers of an open multiplexed
// connection channel: a bidirectional stream plus the
// out-of-band request mechanism RFC 4254 defines for things like
// "exec" or "pty-req".
type Channel interface {
	io.Reader
	io.Writer
	io.Closer

	// CloseWrite signals end-of-stream in the write direction without
	// tearing down the read direction (RFC 4254 section 5.3, CHANNEL_EOF).
	CloseWrite() error

	// SendRequest sends a channel request and, if wantReply is set,
	// blocks for the peer's CHANNEL_SUCCESS / CHANNEL_FAILURE.
	SendRequest(name string, wantReply bool, payload []byte) (bool, error)

	// Stderr returns an io.Reader for data arriving with extended data
	// type 1 (RFC 4254 section 5.2).
	Stderr() io.Reader
}

// DiscardRequests consumes and rejects every request on reqs until it is
// closed, for callers that accept a channel but don't implement any of
// its request types themselves.
func DiscardRequests(reqs <-chan *Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// NewChannel represents an incoming CHANNEL_OPEN request that has not
// yet been accepted or rejected.
type NewChannel interface {
	Accept() (Channel, <-chan *Request, error)
	Reject(reason uint32, message string) error
	ChannelType() string
	ExtraData() []byte
}

// Request is a channel or global out-of-band request (RFC 4254 sections
// 4 and 5.4).
type Request struct {
	Type      string
	WantReply bool
	Payload   []byte

	ch *channel
}

// Reply sends a CHANNEL_SUCCESS or CHANNEL_FAILURE in answer to a
// channel request that had WantReply set.
func (r *Request) Reply(ok bool, payload []byte) error {
	if !r.WantReply {
		return nil
	}
	if ok {
		return r.ch.writePacket(marshal(msgChannelSuccess, channelRequestSuccessMsg{PeersId: r.ch.remoteId}))
	}
	return r.ch.writePacket(marshal(msgChannelFailure, channelRequestFailureMsg{PeersId: r.ch.remoteId}))
}

// chanDirection distinguishes the read-side pipes off a channel: normal
// data and extended data (stderr).
type chanDirection struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	cond   *sync.Cond
	eof    bool
	closed bool
}

func newChanDirection() *chanDirection {
	d := &chanDirection{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *chanDirection) write(data []byte) {
	d.mu.Lock()
	d.buf.Write(data)
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *chanDirection) eofNotify() {
	d.mu.Lock()
	d.eof = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *chanDirection) closeNotify() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *chanDirection) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.buf.Len() == 0 && !d.eof && !d.closed {
		d.cond.Wait()
	}
	if d.buf.Len() > 0 {
		return d.buf.Read(p)
	}
	return 0, io.EOF
}

// channel is the shared implementation backing both client- and
// server-initiated multiplexed streams. Window
// accounting, request plumbing and data delivery are identical on both
// sides; only who sends CHANNEL_OPEN differs, and that lives in
// tcpip.go/session.go/server.go instead of here.
type channel struct {
	transport *transport
	table     *chanList

	localId, remoteId uint32
	maxPacket         uint32
	chanType          string
	extraData         []byte

	remoteWin *window
	myWindow  uint32

	stdout *chanDirection
	stderr *chanDirection

	msg chan interface{}

	sentEOF    bool
	sentClose  bool
	closedOnce sync.Once
}

const channelWindowSize = 1 << 20
const channelMaxPacket = 1 << 15

func newChannel(t *transport, table *chanList, localId uint32) *channel {
	return &channel{
		transport: t,
		table:     table,
		localId:   localId,
		myWindow:  channelWindowSize,
		remoteWin: newWindow(),
		stdout:    newChanDirection(),
		stderr:    newChanDirection(),
		msg:       make(chan interface{}, 16),
	}
}

func (ch *channel) writePacket(packet []byte) error {
	return ch.transport.writePacket(packet)
}

func (ch *channel) Read(data []byte) (int, error) {
	n, err := ch.stdout.Read(data)
	if n > 0 {
		ch.adjustWindow(uint32(n))
	}
	return n, err
}

func (ch *channel) Stderr() io.Reader { return ch.stderr }

func (ch *channel) adjustWindow(consumed uint32) {
	if consumed == 0 {
		return
	}
	msg := windowAdjustMsg{PeersId: ch.remoteId, AdditionalBytes: consumed}
	ch.writePacket(marshal(msgChannelWindowAdjust, msg))
}

func (ch *channel) Write(data []byte) (int, error) {
	return ch.writeExtended(0, data, false)
}

func (ch *channel) writeExtended(extendedType uint32, data []byte, isStderr bool) (int, error) {
	var total int
	for len(data) > 0 {
		want := uint32(len(data))
		if ch.maxPacket > 0 && want > ch.maxPacket {
			want = ch.maxPacket
		}
		reserved := ch.remoteWin.reserve(want)
		if reserved == 0 {
			return total, errors.New("ssh: channel closed")
		}
		chunk := data[:reserved]
		data = data[reserved:]

		var packet []byte
		if isStderr {
			m := channelExtendedDataMsg{PeersId: ch.remoteId, DataType: extendedType, Data: chunk}
			packet = marshal(msgChannelExtendedData, m)
		} else {
			m := channelDataMsg{PeersId: ch.remoteId, Data: chunk}
			packet = marshal(msgChannelData, m)
		}
		if err := ch.writePacket(packet); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

func (ch *channel) CloseWrite() error {
	if ch.sentEOF {
		return nil
	}
	ch.sentEOF = true
	return ch.writePacket(marshal(msgChannelEOF, channelEOFMsg{PeersId: ch.remoteId}))
}

func (ch *channel) Close() error {
	var err error
	ch.closedOnce.Do(func() {
		if !ch.sentClose {
			ch.sentClose = true
			err = ch.writePacket(marshal(msgChannelClose, channelCloseMsg{PeersId: ch.remoteId}))
		}
	})
	return err
}

// teardown is invoked by the owning connection's main loop once
// CHANNEL_CLOSE has been exchanged in both directions.
func (ch *channel) teardown() {
	ch.remoteWin.close()
	ch.stdout.closeNotify()
	ch.stderr.closeNotify()
	close(ch.msg)
}

func (ch *channel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	req := channelRequestMsg{
		PeersId:             ch.remoteId,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	}
	if err := ch.writePacket(marshal(msgChannelRequest, req)); err != nil {
		return false, err
	}
	if !wantReply {
		return false, nil
	}
	msg, ok := <-ch.msg
	if !ok {
		return false, errors.New("ssh: channel closed")
	}
	switch msg.(type) {
	case *channelRequestSuccessMsg:
		return true, nil
	case *channelRequestFailureMsg:
		return false, nil
	}
	return false, fmt.Errorf("ssh: unexpected response to request: %T", msg)
}

// newChannelRequest adapts a received CHANNEL_REQUEST packet into a
// *Request for the consumer of NewChannel.Accept's request channel.
func (ch *channel) newChannelRequest(m *channelRequestMsg) *Request {
	return &Request{Type: m.Request, WantReply: m.WantReply, Payload: m.RequestSpecificData, ch: ch}
}

// pendingChannel implements NewChannel for an inbound CHANNEL_OPEN that
// has not yet been accepted or rejected.
type pendingChannel struct {
	conn    connLike
	channel *channel
	open    channelOpenMsg
}

// connLike is the subset of ClientConn/ServerConn a pendingChannel needs
// to finish accepting or rejecting a channel.
type connLike interface {
	writePacket(payload []byte) error
	chans() *chanList
}

func (p *pendingChannel) ChannelType() string { return p.open.ChanType }
func (p *pendingChannel) ExtraData() []byte   { return p.open.TypeSpecificData }

func (p *pendingChannel) Accept() (Channel, <-chan *Request, error) {
	ch := p.channel
	ch.remoteWin.add(p.open.PeersWindow)
	ch.maxPacket = p.open.MaxPacketSize
	ch.remoteId = p.open.PeersId

	confirm := channelOpenConfirmMsg{
		PeersId:       ch.remoteId,
		MyId:          ch.localId,
		MyWindow:      ch.myWindow,
		MaxPacketSize: channelMaxPacket,
	}
	if err := p.conn.writePacket(marshal(msgChannelOpenConfirm, confirm)); err != nil {
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

func (p *pendingChannel) Reject(reason uint32, message string) error {
	m := channelOpenFailureMsg{
		PeersId:  p.open.PeersId,
		Reason:   reason,
		Message:  message,
		Language: "en",
	}
	p.conn.chans().remove(p.channel.localId)
	return p.conn.writePacket(marshal(msgChannelOpenFailure, m))
}

// openChannel is the shared client/server implementation of RFC 4254
// section 5.1: send CHANNEL_OPEN, block for OPEN_CONFIRMATION or
// OPEN_FAILURE.
func openChannel(conn connLike, t *transport, chanType string, extra []byte) (*channel, error) {
	ch := conn.chans().newChan(t)
	open := channelOpenMsg{
		ChanType:         chanType,
		PeersId:          ch.localId,
		PeersWindow:      ch.myWindow,
		MaxPacketSize:    channelMaxPacket,
		TypeSpecificData: extra,
	}
	if err := conn.writePacket(marshal(msgChannelOpen, open)); err != nil {
		conn.chans().remove(ch.localId)
		return nil, err
	}

	msg, ok := <-ch.msg
	if !ok {
		return nil, errors.New("ssh: connection closed")
	}
	switch m := msg.(type) {
	case *channelOpenConfirmMsg:
		ch.remoteId = m.PeersId
		ch.maxPacket = m.MaxPacketSize
		ch.remoteWin.add(m.MyWindow)
		return ch, nil
	case *channelOpenFailureMsg:
		conn.chans().remove(ch.localId)
		return nil, &OpenChannelError{Reason: m.Reason, Message: m.Message}
	}
	return nil, fmt.Errorf("ssh: unexpected response to channel open: %T", msg)
}

// OpenChannelError is returned by openChannel and Dial/Listen helpers
// when the peer answers CHANNEL_OPEN with CHANNEL_OPEN_FAILURE.
type OpenChannelError struct {
	Reason  uint32
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("ssh: channel open failed: %s (reason %d)", e.Message, e.Reason)
}

// chanList is a thread-safe registry of channels indexed by local id.
type chanList struct {
	sync.Mutex
	chans []*channel
}

func (c *chanList) newChan(t *transport) *channel {
	c.Lock()
	defer c.Unlock()
	for i := range c.chans {
		if c.chans[i] == nil {
			ch := newChannel(t, c, uint32(i))
			c.chans[i] = ch
			return ch
		}
	}
	i := len(c.chans)
	ch := newChannel(t, c, uint32(i))
	c.chans = append(c.chans, ch)
	return ch
}

func (c *chanList) getChan(id uint32) (*channel, bool) {
	c.Lock()
	defer c.Unlock()
	if id >= uint32(len(c.chans)) {
		return nil, false
	}
	return c.chans[id], true
}

func (c *chanList) remove(id uint32) {
	c.Lock()
	defer c.Unlock()
	if id < uint32(len(c.chans)) {
		c.chans[id] = nil
	}
}

func (c *chanList) closeAll() {
	c.Lock()
	defer c.Unlock()
	for _, ch := range c.chans {
		if ch == nil {
			continue
		}
		ch.teardown()
	}
}

// dispatchIncoming routes a decoded connection-protocol message to the
// channel it names, or handles it directly when it has no per-channel
// target. It is shared by ClientConn.mainLoop and ServerConn.mainLoop.
func dispatchIncoming(conn connLike, packet []byte) error {
	switch packet[0] {
	case msgChannelData:
		if len(packet) < 9 {
			return errors.New("ssh: malformed data packet")
		}
		remoteId := binary.BigEndian.Uint32(packet[1:5])
		length := binary.BigEndian.Uint32(packet[5:9])
		payload := packet[9:]
		if length != uint32(len(payload)) {
			return errors.New("ssh: data length mismatch")
		}
		ch, ok := conn.chans().getChan(remoteId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", remoteId)
		}
		ch.stdout.write(payload)
		return nil
	case msgChannelExtendedData:
		if len(packet) < 13 {
			return errors.New("ssh: malformed extended data packet")
		}
		remoteId := binary.BigEndian.Uint32(packet[1:5])
		datatype := binary.BigEndian.Uint32(packet[5:9])
		length := binary.BigEndian.Uint32(packet[9:13])
		payload := packet[13:]
		if length != uint32(len(payload)) {
			return errors.New("ssh: extended data length mismatch")
		}
		if datatype == 1 {
			ch, ok := conn.chans().getChan(remoteId)
			if !ok {
				return fmt.Errorf("ssh: unknown channel %d", remoteId)
			}
			ch.stderr.write(payload)
		}
		return nil
	}

	decoded, err := decode(packet)
	if err != nil {
		return err
	}
	switch msg := decoded.(type) {
	case *channelOpenConfirmMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.msg <- msg
	case *channelOpenFailureMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.msg <- msg
	case *channelCloseMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return nil
		}
		if !ch.sentClose {
			ch.Close()
		}
		ch.teardown()
		conn.chans().remove(msg.PeersId)
	case *channelEOFMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.stdout.eofNotify()
		ch.stderr.eofNotify()
	case *channelRequestSuccessMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.msg <- msg
	case *channelRequestFailureMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.msg <- msg
	case *channelRequestMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		ch.msg <- msg
	case *windowAdjustMsg:
		ch, ok := conn.chans().getChan(msg.PeersId)
		if !ok {
			return fmt.Errorf("ssh: unknown channel %d", msg.PeersId)
		}
		if !ch.remoteWin.add(msg.AdditionalBytes) {
			return errors.New("ssh: invalid window update")
		}
	case *disconnectMsg:
		return io.EOF
	}
	return nil
}
