// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"errors"
	"io"
	"net"
)

// rekeyThreshold is the byte count after which either side must
// initiate a rekey: at least 1 GiB since the last key exchange. A var
// rather than a const so tests can lower it and exercise a rekey without
// pushing a full GiB through a pipe.
var rekeyThreshold uint64 = 1 << 30

// halfDirection holds one direction's (send or receive) algorithm
// selection and live cipher context.
type halfDirection struct {
	cipherAlgo      string
	macAlgo         string
	compressionAlgo string

	cipher   packetCipher
	seqNum   uint32
	bytes    uint64 // bytes processed since the last NEWKEYS, drives rekey
}

func (h *halfDirection) setupKeys(d direction, K, H, sessionID []byte, hash crypto.Hash) error {
	mode := cipherModes[h.cipherAlgo]
	if mode == nil {
		return errors.New("ssh: unknown cipher " + h.cipherAlgo)
	}
	macMode := macModes[h.macAlgo]
	if macMode == nil {
		return errors.New("ssh: unknown MAC " + h.macAlgo)
	}

	iv := make([]byte, mode.ivSize)
	key := make([]byte, mode.keySize)
	macKey := make([]byte, macMode.keySize)

	generateKeyMaterial(iv, d.ivTag, K, H, sessionID, hash)
	generateKeyMaterial(key, d.keyTag, K, H, sessionID, hash)
	generateKeyMaterial(macKey, d.macTag, K, H, sessionID, hash)

	pc, err := newPacketCipher(mode, macMode, key, iv, macKey, d.isRead)
	if err != nil {
		return err
	}
	h.cipher = pc
	h.bytes = 0
	return nil
}

// direction distinguishes the six RFC 4253 section 7.2 key-derivation
// tags (X in {'A'..'F'}) for one side of one direction.
type direction struct {
	ivTag, keyTag, macTag byte
	isRead                bool
}

var clientKeys = direction{'A', 'C', 'E', false} // client -> server (our send, if we are the client)
var serverKeys = direction{'B', 'D', 'F', true}  // server -> client (our receive, if we are the client)

// generateKeyMaterial implements RFC 4253 section 7.2 key derivation:
// K1 = HASH(K || H || X || session_id), extended with
// K{n+1} = HASH(K || H || K1..Kn) until out is filled. K is the
// pre-marshalled mpint-encoded shared secret
// produced by the kex engine (see kex.go).
func generateKeyMaterial(out []byte, tag byte, K, H, sessionID []byte, hash crypto.Hash) {
	var digestsSoFar []byte

	h := hash.New()
	for len(out) > 0 {
		h.Reset()
		h.Write(K)
		h.Write(H)
		if len(digestsSoFar) == 0 {
			h.Write([]byte{tag})
			h.Write(sessionID)
		} else {
			h.Write(digestsSoFar)
		}
		digest := h.Sum(nil)

		n := copy(out, digest)
		out = out[n:]
		if len(out) > 0 {
			digestsSoFar = append(digestsSoFar, digest...)
		}
	}
}

// transport owns the underlying byte stream and the send/receive cipher
// contexts; it is the single task that
// mutates them.
type transport struct {
	conn   net.Conn
	bufout *bufio.Writer
	bufin  *bufio.Reader
	rand   io.Reader

	reader halfDirection
	writer halfDirection
}

func newTransport(conn net.Conn, rnd io.Reader) *transport {
	if rnd == nil {
		rnd = rand.Reader
	}
	t := &transport{
		conn:   conn,
		bufout: bufio.NewWriter(conn),
		bufin:  bufio.NewReader(conn),
		rand:   rnd,
	}
	t.reader.cipher = plainPacketCipher{}
	t.writer.cipher = plainPacketCipher{}
	return t
}

// Write implements io.Writer so the identification line
// can be written directly before any packet framing exists.
func (t *transport) Write(p []byte) (int, error) { return t.bufout.Write(p) }

// Flush flushes buffered identification-line bytes to the wire.
func (t *transport) Flush() error { return t.bufout.Flush() }

func (t *transport) Close() error { return t.conn.Close() }

func (t *transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }

// readPacket reads one complete SSH binary packet,
// transparently skipping MSG_IGNORE/MSG_DEBUG, and returns its payload
// including the leading message-type byte.
func (t *transport) readPacket() ([]byte, error) {
	for {
		payload, err := t.reader.cipher.readPacket(t.reader.seqNum, t.bufin)
		if err != nil {
			return nil, err
		}
		t.reader.seqNum++
		t.reader.bytes += uint64(len(payload))
		if len(payload) == 0 {
			continue
		}
		if payload[0] == msgIgnore || payload[0] == msgDebug {
			continue
		}
		return payload, nil
	}
}

// writePacket writes one complete payload as an SSH binary packet.
func (t *transport) writePacket(payload []byte) error {
	if err := t.writer.cipher.writePacket(t.writer.seqNum, t.bufout, t.rand, payload); err != nil {
		return err
	}
	t.writer.seqNum++
	t.writer.bytes += uint64(len(payload))
	return t.bufout.Flush()
}

// needsRekey reports whether either direction has crossed the byte
// threshold that obligates this side to initiate a rekey.
func (t *transport) needsRekey() bool {
	return t.reader.bytes >= rekeyThreshold || t.writer.bytes >= rekeyThreshold
}

// readVersion reads the peer's identification line: lines preceding
// one that starts with "SSH-2.0-" (or "SSH-1.99-") are discarded, on
// whichever side is reading.
func readVersion(r *transport) ([]byte, error) {
	var ident []byte
	var buf [1]byte
	for len(ident) < 255 {
		if _, err := io.ReadFull(r.bufin, buf[:]); err != nil {
			return nil, err
		}
		ident = append(ident, buf[0])
		if len(ident) > 1 && ident[len(ident)-1] == '\n' {
			if ident[len(ident)-2] == '\r' {
				ident = ident[:len(ident)-2]
			} else {
				ident = ident[:len(ident)-1]
			}
			if bytes.HasPrefix(ident, []byte("SSH-2.0-")) || bytes.HasPrefix(ident, []byte("SSH-1.99-")) {
				return ident, nil
			}
			// Not an identification line yet; keep scanning (RFC 4253
			// section 4.2 permits arbitrary preamble before it).
			ident = nil
		}
	}
	return nil, errors.New("ssh: overlong identification string")
}
