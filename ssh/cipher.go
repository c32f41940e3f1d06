// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
)

// cipherMode is an entry in the cipher registry: key size,
// block/IV size, and whether the cipher runs in CBC (block) or CTR
// (stream) mode.
type cipherMode struct {
	keySize   int
	ivSize    int
	blockSize int
	cbc       bool
}

var cipherModes = map[string]*cipherMode{
	cipherAES128CTR: {16, aes.BlockSize, aes.BlockSize, false},
	cipherAES256CTR: {32, aes.BlockSize, aes.BlockSize, false},
	cipherAES128CBC: {16, aes.BlockSize, aes.BlockSize, true},
	cipherAES256CBC: {32, aes.BlockSize, aes.BlockSize, true},
}

const (
	minPacketLength  = 16
	maxPacketPayload = 35000 // RFC 4253 6.1 recommended max payload
	minPaddingLength = 4
)

// packetCipher is the send or receive cipher context of a session's
// connection state — created at NEWKEYS, consumed per packet, retired
// at the next NEWKEYS.
type packetCipher interface {
	readPacket(seqNum uint32, r io.Reader) ([]byte, error)
	writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error
}

// streamPacketCipher implements the RFC 4253 6.1 binary packet protocol
// for the CTR-mode ciphers: packet_length || padding_length ||
// payload || padding, encrypted as a single keystream, then MACed over
// seqNum || unencrypted packet.
type streamPacketCipher struct {
	mac       hashMAC
	cipher    cipher.Stream
	blockSize int
}

// cbcPacketCipher is the CBC-mode counterpart: the same framing, but
// encryption operates in fixed-size blocks so padding must always round
// the whole packet (length prefix included) up to a block multiple.
type cbcPacketCipher struct {
	mac       hashMAC
	encrypt   cipher.BlockMode
	decrypt   cipher.BlockMode
	blockSize int
}

// hashMAC is satisfied by hmac.New's return value; nil before the first
// NEWKEYS, since packets before then carry no MAC.
type hashMAC interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
	Size() int
}

func newPacketCipher(mode *cipherMode, macMode *macMode, key, iv, macKey []byte, isRead bool) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	var mac hashMAC
	if macMode != nil {
		mac = macMode.new(macKey)
	}
	if mode.cbc {
		pc := &cbcPacketCipher{mac: mac, blockSize: mode.blockSize}
		if isRead {
			pc.decrypt = cipher.NewCBCDecrypter(block, iv)
		} else {
			pc.encrypt = cipher.NewCBCEncrypter(block, iv)
		}
		return pc, nil
	}
	return &streamPacketCipher{mac: mac, cipher: cipher.NewCTR(block, iv), blockSize: mode.blockSize}, nil
}

// plainPacketCipher is used before the first NEWKEYS:
// packets are framed (length + padding) but neither encrypted nor MACed.
type plainPacketCipher struct{}

func (plainPacketCipher) readPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	return readPlainPacket(r)
}

func (plainPacketCipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error {
	return writePlainPacket(w, rand, payload)
}

func choosePadding(payloadLen, blockSize int) int {
	if blockSize < 8 {
		blockSize = 8
	}
	padding := blockSize - (5+payloadLen)%blockSize
	if padding < minPaddingLength {
		padding += blockSize
	}
	return padding
}

func writePlainPacket(w io.Writer, rnd io.Reader, payload []byte) error {
	padding := choosePadding(len(payload), 8)
	length := 1 + len(payload) + padding
	packet := make([]byte, 4+length)
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[4] = byte(padding)
	copy(packet[5:], payload)
	if _, err := io.ReadFull(rnd, packet[5+len(payload):]); err != nil {
		return err
	}
	_, err := w.Write(packet)
	return err
}

func readPlainPacket(r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length < 1 || length > maxPacketPayload+256 {
		return nil, newDisconnect(DisconnectProtocolError, "invalid packet length %d", length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	paddingLen := int(rest[0])
	if paddingLen < minPaddingLength || paddingLen+1 > len(rest) {
		return nil, newDisconnect(DisconnectProtocolError, "invalid padding length %d", paddingLen)
	}
	payload := rest[1 : len(rest)-paddingLen]
	if len(payload) > maxPacketPayload {
		return nil, newDisconnect(DisconnectProtocolError, "packet payload too large: %d", len(payload))
	}
	return payload, nil
}

func (c *streamPacketCipher) readPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	var lengthPlain [4]byte
	c.cipher.XORKeyStream(lengthPlain[:], lengthBytes[:])
	length := binary.BigEndian.Uint32(lengthPlain[:])
	if length < 1 || length > maxPacketPayload+256 {
		return nil, newDisconnect(DisconnectProtocolError, "invalid packet length %d", length)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	c.cipher.XORKeyStream(rest, rest)

	var macBytes []byte
	if c.mac != nil {
		macSize := c.mac.Size()
		macBytes = make([]byte, macSize)
		if _, err := io.ReadFull(r, macBytes); err != nil {
			return nil, err
		}
		c.mac.Reset()
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], seqNum)
		c.mac.Write(seq[:])
		c.mac.Write(lengthPlain[:])
		c.mac.Write(rest)
		expected := c.mac.Sum(nil)
		if subtle.ConstantTimeCompare(macBytes, expected) != 1 {
			return nil, newDisconnect(DisconnectMACError, "MAC mismatch")
		}
	}

	paddingLen := int(rest[0])
	if paddingLen < minPaddingLength || paddingLen+1 > len(rest) {
		return nil, newDisconnect(DisconnectProtocolError, "invalid padding length %d", paddingLen)
	}
	payload := rest[1 : len(rest)-paddingLen]
	if len(payload) > maxPacketPayload {
		return nil, newDisconnect(DisconnectProtocolError, "packet payload too large: %d", len(payload))
	}
	return payload, nil
}

func (c *streamPacketCipher) writePacket(seqNum uint32, w io.Writer, rnd io.Reader, payload []byte) error {
	if len(payload) > maxPacketPayload {
		return errors.New("ssh: payload too large")
	}
	padding := choosePadding(len(payload), c.blockSize)
	length := 1 + len(payload) + padding
	packet := make([]byte, 4+length)
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[4] = byte(padding)
	copy(packet[5:], payload)
	if _, err := io.ReadFull(rnd, packet[5+len(payload):]); err != nil {
		return err
	}

	if c.mac != nil {
		c.mac.Reset()
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], seqNum)
		c.mac.Write(seq[:])
		c.mac.Write(packet)
		mac := c.mac.Sum(nil)
		c.cipher.XORKeyStream(packet, packet)
		packet = append(packet, mac...)
	} else {
		c.cipher.XORKeyStream(packet, packet)
	}
	_, err := w.Write(packet)
	return err
}

func (c *cbcPacketCipher) readPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	if c.decrypt == nil {
		return nil, errors.New("ssh: cbc cipher not configured for reading")
	}
	bs := c.decrypt.BlockSize()
	var firstBlock = make([]byte, bs)
	if _, err := io.ReadFull(r, firstBlock); err != nil {
		return nil, err
	}
	c.decrypt.CryptBlocks(firstBlock, firstBlock)
	length := binary.BigEndian.Uint32(firstBlock[:4])
	if length < 1 || length > maxPacketPayload+256 {
		return nil, newDisconnect(DisconnectProtocolError, "invalid packet length %d", length)
	}

	remainingLen := int(length) - (bs - 4)
	if remainingLen < 0 {
		return nil, newDisconnect(DisconnectProtocolError, "invalid packet length %d", length)
	}
	if remainingLen%bs != 0 {
		return nil, newDisconnect(DisconnectProtocolError, "invalid padding, not a block multiple")
	}
	rest := make([]byte, remainingLen)
	if remainingLen > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		c.decrypt.CryptBlocks(rest, rest)
	}

	packet := append(firstBlock[4:], rest...)
	var macBytes []byte
	if c.mac != nil {
		macSize := c.mac.Size()
		macBytes = make([]byte, macSize)
		if _, err := io.ReadFull(r, macBytes); err != nil {
			return nil, err
		}
		c.mac.Reset()
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], seqNum)
		c.mac.Write(seq[:])
		c.mac.Write(firstBlock[:4])
		c.mac.Write(packet)
		expected := c.mac.Sum(nil)
		if subtle.ConstantTimeCompare(macBytes, expected) != 1 {
			return nil, newDisconnect(DisconnectMACError, "MAC mismatch")
		}
	}

	paddingLen := int(packet[0])
	if paddingLen < minPaddingLength || paddingLen+1 > len(packet) {
		return nil, newDisconnect(DisconnectProtocolError, "invalid padding length %d", paddingLen)
	}
	payload := packet[1 : len(packet)-paddingLen]
	if len(payload) > maxPacketPayload {
		return nil, newDisconnect(DisconnectProtocolError, "packet payload too large: %d", len(payload))
	}
	return payload, nil
}

func (c *cbcPacketCipher) writePacket(seqNum uint32, w io.Writer, rnd io.Reader, payload []byte) error {
	if c.encrypt == nil {
		return errors.New("ssh: cbc cipher not configured for writing")
	}
	if len(payload) > maxPacketPayload {
		return errors.New("ssh: payload too large")
	}
	bs := c.encrypt.BlockSize()
	padding := choosePadding(len(payload), bs)
	length := 1 + len(payload) + padding
	packet := make([]byte, 4+length)
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[4] = byte(padding)
	copy(packet[5:], payload)
	if _, err := io.ReadFull(rnd, packet[5+len(payload):]); err != nil {
		return err
	}

	var mac []byte
	if c.mac != nil {
		c.mac.Reset()
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], seqNum)
		c.mac.Write(seq[:])
		c.mac.Write(packet)
		mac = c.mac.Sum(nil)
	}
	c.encrypt.CryptBlocks(packet, packet)
	if mac != nil {
		packet = append(packet, mac...)
	}
	_, err := w.Write(packet)
	return err
}
