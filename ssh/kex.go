// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// kexResult captures the outcome of a key exchange: the
// exchange hash H, the shared secret K (already SSH-mpint wire encoded),
// the host key blob as hashed into H, its signature, and the hash
// function used to compute H (which also drives key derivation).
type kexResult struct {
	H         []byte
	K         []byte
	HostKey   []byte
	Signature []byte
	Hash      crypto.Hash
}

// kexAlgorithm is the tagged-variant interface each supported KEX
// method implements, covering both ends of the key-exchange handshake
// without the rest of the transport needing to know which one is active.
type kexAlgorithm interface {
	// Client runs the client's half of the exchange over t, returning
	// the negotiated kexResult once the server has replied.
	Client(t *transport, magics *handshakeMagics, hostKeyAlgo string, rnd io.Reader) (*kexResult, error)
	// Server runs the server's half, signing H with priv.
	Server(t *transport, magics *handshakeMagics, priv Signer, rnd io.Reader) (*kexResult, error)
}

func kexAlgorithmForName(name string) (kexAlgorithm, error) {
	switch name {
	case kexAlgoCurve25519SHA256:
		return curve25519SHA256{}, nil
	case kexAlgoECDH256:
		return &ecdhKEX{curve: elliptic.P256()}, nil
	case kexAlgoECDH384:
		return &ecdhKEX{curve: elliptic.P384()}, nil
	case kexAlgoECDH521:
		return &ecdhKEX{curve: elliptic.P521()}, nil
	case kexAlgoDH14SHA1:
		dhGroup14Once.Do(initDHGroup14)
		return &dhGroupKEX{group: dhGroup14, hash: crypto.SHA1}, nil
	case kexAlgoDH1SHA1:
		dhGroup1Once.Do(initDHGroup1)
		return &dhGroupKEX{group: dhGroup1, hash: crypto.SHA1}, nil
	case kexAlgoDHGEXSHA256:
		return &dhGroupExchangeKEX{hash: crypto.SHA256}, nil
	case kexAlgoDHGEXSHA1:
		return &dhGroupExchangeKEX{hash: crypto.SHA1}, nil
	}
	return nil, errors.New("ssh: unknown key exchange algorithm " + name)
}

// verifyHostKeySignature verifies the host key obtained in the key
// exchange against H.
func verifyHostKeySignature(hostKeyAlgo string, hostKeyBytes []byte, data []byte, sigBytes []byte) error {
	hostKey, ok := ParsePublicKey(hostKeyBytes)
	if !ok {
		return errors.New("ssh: could not parse hostkey")
	}
	sig, rest, ok := parseSignatureBody(sigBytes)
	if len(rest) > 0 || !ok {
		return errors.New("ssh: signature parse error")
	}
	if sig.Format != hostKeyAlgo {
		return newDisconnect(DisconnectKeyExchangeFailed, "unexpected signature type %q", sig.Format)
	}
	if !hostKey.Verify(data, sig.Blob) {
		return newDisconnect(DisconnectHostKeyNotVerifiable, "host key signature error")
	}
	return nil
}

func signHostKey(priv Signer, data []byte, rnd io.Reader) ([]byte, error) {
	sig, err := priv.Sign(rnd, data)
	if err != nil {
		return nil, err
	}
	return serializeSignature(priv.PublicKey().PrivateKeyAlgo(), sig), nil
}

// ---- curve25519-sha256 ----

type curve25519SHA256 struct{}

func (curve25519SHA256) Client(t *transport, magics *handshakeMagics, hostKeyAlgo string, rnd io.Reader) (*kexResult, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rnd, priv[:]); err != nil {
		return nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	if err := t.writePacket(marshal(msgKexECDHInit, kexECDHInitMsg{ClientPubKey: pub})); err != nil {
		return nil, err
	}
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := unmarshal(&reply, packet, msgKexECDHReply); err != nil {
		return nil, err
	}

	secret, err := curve25519.X25519(priv[:], reply.EphemeralPubKey)
	if err != nil {
		return nil, newDisconnect(DisconnectKeyExchangeFailed, "curve25519: %v", err)
	}

	h := crypto.SHA256.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, reply.HostKey)
	writeString(h, pub)
	writeString(h, reply.EphemeralPubKey)
	K := make([]byte, intLength(new(big.Int).SetBytes(secret)))
	K = marshalInt(K[:0], new(big.Int).SetBytes(secret))
	h.Write(K)

	return &kexResult{H: h.Sum(nil), K: K, HostKey: reply.HostKey, Signature: reply.Signature, Hash: crypto.SHA256}, nil
}

func (curve25519SHA256) Server(t *transport, magics *handshakeMagics, priv Signer, rnd io.Reader) (*kexResult, error) {
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexECDHInitMsg
	if err := unmarshal(&init, packet, msgKexECDHInit); err != nil {
		return nil, err
	}

	var serverPriv [32]byte
	if _, err := io.ReadFull(rnd, serverPriv[:]); err != nil {
		return nil, err
	}
	serverPriv[0] &= 248
	serverPriv[31] &= 127
	serverPriv[31] |= 64
	serverPub, err := curve25519.X25519(serverPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(serverPriv[:], init.ClientPubKey)
	if err != nil {
		return nil, newDisconnect(DisconnectKeyExchangeFailed, "curve25519: %v", err)
	}

	hostKeyBytes := MarshalPublicKey(priv.PublicKey())

	h := crypto.SHA256.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, hostKeyBytes)
	writeString(h, init.ClientPubKey)
	writeString(h, serverPub)
	K := make([]byte, intLength(new(big.Int).SetBytes(secret)))
	K = marshalInt(K[:0], new(big.Int).SetBytes(secret))
	h.Write(K)
	H := h.Sum(nil)

	sig, err := signHostKey(priv, H, rnd)
	if err != nil {
		return nil, err
	}
	reply := kexECDHReplyMsg{HostKey: hostKeyBytes, EphemeralPubKey: serverPub, Signature: sig}
	if err := t.writePacket(marshal(msgKexECDHReply, reply)); err != nil {
		return nil, err
	}
	return &kexResult{H: H, K: K, HostKey: hostKeyBytes, Signature: sig, Hash: crypto.SHA256}, nil
}

// ---- ECDH (RFC 5656) ----

type ecdhKEX struct{ curve elliptic.Curve }

func (kex *ecdhKEX) Client(t *transport, magics *handshakeMagics, hostKeyAlgo string, rnd io.Reader) (*kexResult, error) {
	ephKey, err := ecdsa.GenerateKey(kex.curve, rnd)
	if err != nil {
		return nil, err
	}
	clientPub := elliptic.Marshal(kex.curve, ephKey.PublicKey.X, ephKey.PublicKey.Y)

	if err := t.writePacket(marshal(msgKexECDHInit, kexECDHInitMsg{ClientPubKey: clientPub})); err != nil {
		return nil, err
	}
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := unmarshal(&reply, packet, msgKexECDHReply); err != nil {
		return nil, err
	}

	x, y := elliptic.Unmarshal(kex.curve, reply.EphemeralPubKey)
	if x == nil {
		return nil, newDisconnect(DisconnectKeyExchangeFailed, "elliptic.Unmarshal failure")
	}
	if !validateECPublicKey(kex.curve, x, y) {
		return nil, newDisconnect(DisconnectKeyExchangeFailed, "ephemeral server key not on curve")
	}
	secretX, _ := kex.curve.ScalarMult(x, y, ephKey.D.Bytes())

	hashFunc := ecHash(kex.curve)
	h := hashFunc.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, reply.HostKey)
	writeString(h, clientPub)
	writeString(h, reply.EphemeralPubKey)
	K := make([]byte, intLength(secretX))
	K = marshalInt(K[:0], secretX)
	h.Write(K)

	return &kexResult{H: h.Sum(nil), K: K, HostKey: reply.HostKey, Signature: reply.Signature, Hash: hashFunc}, nil
}

func (kex *ecdhKEX) Server(t *transport, magics *handshakeMagics, priv Signer, rnd io.Reader) (*kexResult, error) {
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexECDHInitMsg
	if err := unmarshal(&init, packet, msgKexECDHInit); err != nil {
		return nil, err
	}
	x, y := elliptic.Unmarshal(kex.curve, init.ClientPubKey)
	if x == nil || !validateECPublicKey(kex.curve, x, y) {
		return nil, newDisconnect(DisconnectKeyExchangeFailed, "invalid client ephemeral key")
	}

	ephKey, err := ecdsa.GenerateKey(kex.curve, rnd)
	if err != nil {
		return nil, err
	}
	serverPub := elliptic.Marshal(kex.curve, ephKey.PublicKey.X, ephKey.PublicKey.Y)
	secretX, _ := kex.curve.ScalarMult(x, y, ephKey.D.Bytes())

	hostKeyBytes := MarshalPublicKey(priv.PublicKey())
	hashFunc := ecHash(kex.curve)
	h := hashFunc.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, hostKeyBytes)
	writeString(h, init.ClientPubKey)
	writeString(h, serverPub)
	K := make([]byte, intLength(secretX))
	K = marshalInt(K[:0], secretX)
	h.Write(K)
	H := h.Sum(nil)

	sig, err := signHostKey(priv, H, rnd)
	if err != nil {
		return nil, err
	}
	reply := kexECDHReplyMsg{HostKey: hostKeyBytes, EphemeralPubKey: serverPub, Signature: sig}
	if err := t.writePacket(marshal(msgKexECDHReply, reply)); err != nil {
		return nil, err
	}
	return &kexResult{H: H, K: K, HostKey: hostKeyBytes, Signature: sig, Hash: hashFunc}, nil
}

// ---- fixed-group Diffie-Hellman (RFC 4253 section 8) ----

type dhGroupKEX struct {
	group *dhGroup
	hash  crypto.Hash
}

func (kex *dhGroupKEX) Client(t *transport, magics *handshakeMagics, hostKeyAlgo string, rnd io.Reader) (*kexResult, error) {
	x, err := rand.Int(rnd, kex.group.p)
	if err != nil {
		return nil, err
	}
	X := new(big.Int).Exp(kex.group.g, x, kex.group.p)
	if err := t.writePacket(marshal(msgKexDHInit, kexDHInitMsg{X: X})); err != nil {
		return nil, err
	}

	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexDHReplyMsg
	if err := unmarshal(&reply, packet, msgKexDHReply); err != nil {
		return nil, err
	}

	kInt, err := kex.group.diffieHellman(reply.Y, x)
	if err != nil {
		return nil, err
	}

	h := kex.hash.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, reply.HostKey)
	writeInt(h, X)
	writeInt(h, reply.Y)
	K := make([]byte, intLength(kInt))
	K = marshalInt(K[:0], kInt)
	h.Write(K)

	return &kexResult{H: h.Sum(nil), K: K, HostKey: reply.HostKey, Signature: reply.Signature, Hash: kex.hash}, nil
}

func (kex *dhGroupKEX) Server(t *transport, magics *handshakeMagics, priv Signer, rnd io.Reader) (*kexResult, error) {
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexDHInitMsg
	if err := unmarshal(&init, packet, msgKexDHInit); err != nil {
		return nil, err
	}

	y, err := rand.Int(rnd, kex.group.p)
	if err != nil {
		return nil, err
	}
	Y := new(big.Int).Exp(kex.group.g, y, kex.group.p)
	kInt, err := kex.group.diffieHellman(init.X, y)
	if err != nil {
		return nil, err
	}

	hostKeyBytes := MarshalPublicKey(priv.PublicKey())
	h := kex.hash.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, hostKeyBytes)
	writeInt(h, init.X)
	writeInt(h, Y)
	K := make([]byte, intLength(kInt))
	K = marshalInt(K[:0], kInt)
	h.Write(K)
	H := h.Sum(nil)

	sig, err := signHostKey(priv, H, rnd)
	if err != nil {
		return nil, err
	}
	reply := kexDHReplyMsg{HostKey: hostKeyBytes, Y: Y, Signature: sig}
	if err := t.writePacket(marshal(msgKexDHReply, reply)); err != nil {
		return nil, err
	}
	return &kexResult{H: H, K: K, HostKey: hostKeyBytes, Signature: sig, Hash: kex.hash}, nil
}

// ---- Diffie-Hellman group exchange (RFC 4419) ----

// dhGroupExchangeKEX negotiates a server-chosen modulus instead of a
// fixed one. This implementation, like several constrained embedded SSH
// stacks, always proposes the RFC 3526 group14 modulus regardless of the
// client's requested bit range — it is a conforming (if non-diverse)
// responder.
type dhGroupExchangeKEX struct {
	hash crypto.Hash
}

func (kex *dhGroupExchangeKEX) Client(t *transport, magics *handshakeMagics, hostKeyAlgo string, rnd io.Reader) (*kexResult, error) {
	if err := t.writePacket(marshal(msgKexDHGexRequest, kexDHGexRequestMsg{Min: 1024, N: 2048, Max: 8192})); err != nil {
		return nil, err
	}
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var group kexDHGexGroupMsg
	if err := unmarshal(&group, packet, msgKexDHGexGroup); err != nil {
		return nil, err
	}

	x, err := rand.Int(rnd, group.P)
	if err != nil {
		return nil, err
	}
	X := new(big.Int).Exp(group.G, x, group.P)
	if err := t.writePacket(marshal(msgKexDHGexInit, kexDHGexInitMsg{X: X})); err != nil {
		return nil, err
	}

	packet, err = t.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexDHGexReplyMsg
	if err := unmarshal(&reply, packet, msgKexDHGexReply); err != nil {
		return nil, err
	}

	dh := &dhGroup{g: group.G, p: group.P}
	kInt, err := dh.diffieHellman(reply.Y, x)
	if err != nil {
		return nil, err
	}

	h := kex.hash.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, reply.HostKey)
	appendU32Hash(h, 1024)
	appendU32Hash(h, 2048)
	appendU32Hash(h, 8192)
	writeInt(h, group.P)
	writeInt(h, group.G)
	writeInt(h, X)
	writeInt(h, reply.Y)
	K := make([]byte, intLength(kInt))
	K = marshalInt(K[:0], kInt)
	h.Write(K)

	return &kexResult{H: h.Sum(nil), K: K, HostKey: reply.HostKey, Signature: reply.Signature, Hash: kex.hash}, nil
}

func (kex *dhGroupExchangeKEX) Server(t *transport, magics *handshakeMagics, priv Signer, rnd io.Reader) (*kexResult, error) {
	packet, err := t.readPacket()
	if err != nil {
		return nil, err
	}
	var req kexDHGexRequestMsg
	if err := unmarshal(&req, packet, msgKexDHGexRequest); err != nil {
		return nil, err
	}

	dhGroup14Once.Do(initDHGroup14)
	group := dhGroup14
	if err := t.writePacket(marshal(msgKexDHGexGroup, kexDHGexGroupMsg{P: group.p, G: group.g})); err != nil {
		return nil, err
	}

	packet, err = t.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexDHGexInitMsg
	if err := unmarshal(&init, packet, msgKexDHGexInit); err != nil {
		return nil, err
	}

	y, err := rand.Int(rnd, group.p)
	if err != nil {
		return nil, err
	}
	Y := new(big.Int).Exp(group.g, y, group.p)
	kInt, err := group.diffieHellman(init.X, y)
	if err != nil {
		return nil, err
	}

	hostKeyBytes := MarshalPublicKey(priv.PublicKey())
	h := kex.hash.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, hostKeyBytes)
	appendU32Hash(h, req.Min)
	appendU32Hash(h, req.N)
	appendU32Hash(h, req.Max)
	writeInt(h, group.p)
	writeInt(h, group.g)
	writeInt(h, init.X)
	writeInt(h, Y)
	K := make([]byte, intLength(kInt))
	K = marshalInt(K[:0], kInt)
	h.Write(K)
	H := h.Sum(nil)

	sig, err := signHostKey(priv, H, rnd)
	if err != nil {
		return nil, err
	}
	reply := kexDHGexReplyMsg{HostKey: hostKeyBytes, Y: Y, Signature: sig}
	if err := t.writePacket(marshal(msgKexDHGexReply, reply)); err != nil {
		return nil, err
	}
	return &kexResult{H: H, K: K, HostKey: hostKeyBytes, Signature: sig, Hash: kex.hash}, nil
}

func appendU32Hash(w byteWriter, n uint32) {
	var b [4]byte
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
	w.Write(b[:])
}
