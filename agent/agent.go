// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package agent implements the SSH agent protocol: a wire
// format for a long-running process holding private keys to answer
// sign requests on behalf of clients without ever handing out the keys
// themselves.
package agent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/massiveart/go.crypto/ssh"
)

// Message numbers (draft-miller-ssh-agent, section 5).
const (
	agentFailure = 5
	agentSuccess = 6

	agentRequestIdentities   = 11
	agentIdentitiesAnswer    = 12
	agentSignRequest         = 13
	agentSignResponse        = 14
	agentAddIdentity         = 17
	agentRemoveIdentity      = 18
	agentRemoveAllIdentities = 19
	agentAddIDConstrained    = 25
	agentLock                = 22
	agentUnlock              = 23
)

// Signature flags accepted on a sign request (RSA SHA-2 variants,
// draft-miller-ssh-agent section 4.5.1).
const (
	SigFlagRSASHA2_256 = 1 << 1
	SigFlagRSASHA2_512 = 1 << 2
)

// Signature is a signed blob paired with the wire name of the algorithm
// used to produce it, mirroring the SSH userauth signature encoding
// (RFC 4253 section 6.6).
type Signature struct {
	Format string
	Blob   []byte
}

// Key is the public half of an identity as reported by List.
type Key struct {
	Format  string
	Blob    []byte
	Comment string
}

// PublicKey parses the key's wire blob into an ssh.PublicKey.
func (k *Key) PublicKey() (ssh.PublicKey, error) {
	pub, ok := ssh.ParsePublicKey(k.Blob)
	if !ok {
		return nil, fmt.Errorf("agent: invalid key blob for %q", k.Format)
	}
	return pub, nil
}

func (k *Key) String() string {
	return k.Format + " " + k.Comment
}

// AddedKey describes a private key to load via Agent.Add.
type AddedKey struct {
	PrivateKey       ssh.Signer
	Comment          string
	LifetimeSecs     uint32
	ConfirmBeforeUse bool
}

// Agent is the interface a running agent process implements, served
// over a connection with ServeAgent and consumed over one with
// NewClient.
type Agent interface {
	// List returns the identities known to the agent.
	List() ([]*Key, error)

	// Sign has the agent sign data with the private key matching key.
	Sign(key ssh.PublicKey, data []byte) (*Signature, error)

	// Add adds a private key to the agent.
	Add(key AddedKey) error

	// Remove removes all identities matching key.
	Remove(key ssh.PublicKey) error

	// RemoveAll removes all identities.
	RemoveAll() error

	// Lock locks the agent until a matching Unlock call is made: while
	// locked, Sign fails and List reports no keys.
	Lock(passphrase []byte) error

	// Unlock undoes a Lock call.
	Unlock(passphrase []byte) error

	// Signers returns signers for all the non-locked keys in the agent.
	Signers() ([]ssh.Signer, error)
}

// writeFrame writes a uint32 length prefix followed by payload, the
// framing every agent protocol message uses on the wire.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed message from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 1<<20 {
		return nil, errors.New("agent: invalid message length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func marshalUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func parseUint32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	return binary.BigEndian.Uint32(b), b[4:], true
}

func marshalString(s []byte) []byte {
	out := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

func parseString(b []byte) ([]byte, []byte, bool) {
	n, b, ok := parseUint32(b)
	if !ok || uint64(n) > uint64(len(b)) {
		return nil, b, false
	}
	return b[:n], b[n:], true
}

// ServeAgent serves ag's identities over conn until conn is closed or a
// malformed message is received. It is the counterpart to NewClient and
// runs in the process holding the private keys.
func ServeAgent(ag Agent, conn io.ReadWriter) error {
	for {
		req, err := readFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		reply, err := handleRequest(ag, req)
		if err != nil {
			reply = []byte{agentFailure}
		}
		if err := writeFrame(conn, reply); err != nil {
			return err
		}
	}
}

func handleRequest(ag Agent, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return nil, errors.New("agent: empty request")
	}
	switch req[0] {
	case agentRequestIdentities:
		return handleListIdentities(ag)
	case agentSignRequest:
		return handleSign(ag, req[1:])
	case agentAddIdentity, agentAddIDConstrained:
		return handleAdd(ag, req[1:])
	case agentRemoveIdentity:
		return handleRemove(ag, req[1:])
	case agentRemoveAllIdentities:
		if err := ag.RemoveAll(); err != nil {
			return nil, err
		}
		return []byte{agentSuccess}, nil
	case agentLock:
		passphrase, _, ok := parseString(req[1:])
		if !ok {
			return nil, errors.New("agent: malformed lock request")
		}
		if err := ag.Lock(passphrase); err != nil {
			return nil, err
		}
		return []byte{agentSuccess}, nil
	case agentUnlock:
		passphrase, _, ok := parseString(req[1:])
		if !ok {
			return nil, errors.New("agent: malformed unlock request")
		}
		if err := ag.Unlock(passphrase); err != nil {
			return nil, err
		}
		return []byte{agentSuccess}, nil
	default:
		return nil, fmt.Errorf("agent: unknown request type %d", req[0])
	}
}

func handleListIdentities(ag Agent) ([]byte, error) {
	keys, err := ag.List()
	if err != nil {
		return nil, err
	}
	length := 1 + 4
	for _, k := range keys {
		length += 4 + len(k.Blob) + 4 + len(k.Comment)
	}
	buf := make([]byte, 0, length)
	buf = append(buf, agentIdentitiesAnswer)
	buf = append(buf, marshalUint32(uint32(len(keys)))...)
	for _, k := range keys {
		buf = append(buf, marshalString(k.Blob)...)
		buf = append(buf, marshalString([]byte(k.Comment))...)
	}
	return buf, nil
}

func handleSign(ag Agent, payload []byte) ([]byte, error) {
	blob, payload, ok := parseString(payload)
	if !ok {
		return nil, errors.New("agent: malformed sign request")
	}
	data, payload, ok := parseString(payload)
	if !ok {
		return nil, errors.New("agent: malformed sign request")
	}
	// trailing uint32 flags field (SigFlagRSASHA2_*), not interpreted here.

	pub, ok := ssh.ParsePublicKey(blob)
	if !ok {
		return nil, errors.New("agent: invalid public key in sign request")
	}
	sig, err := ag.Sign(pub, data)
	if err != nil {
		return nil, err
	}
	sigBlob := marshalSignature(sig)
	out := make([]byte, 0, 1+4+len(sigBlob))
	out = append(out, agentSignResponse)
	out = append(out, marshalString(sigBlob)...)
	return out, nil
}

func marshalSignature(sig *Signature) []byte {
	format := []byte(sig.Format)
	length := 4 + len(format) + 4 + len(sig.Blob)
	buf := make([]byte, 0, length)
	buf = append(buf, marshalString(format)...)
	buf = append(buf, marshalString(sig.Blob)...)
	return buf
}

func parseSignature(b []byte) (*Signature, bool) {
	format, b, ok := parseString(b)
	if !ok {
		return nil, false
	}
	blob, _, ok := parseString(b)
	if !ok {
		return nil, false
	}
	return &Signature{Format: string(format), Blob: blob}, true
}

func handleAdd(ag Agent, payload []byte) ([]byte, error) {
	keyType, payload, ok := parseString(payload)
	if !ok {
		return nil, errors.New("agent: malformed add request")
	}
	signer, rest, err := parsePrivateKeyFields(string(keyType), payload)
	if err != nil {
		return nil, err
	}
	comment, _, ok := parseString(rest)
	if !ok {
		return nil, errors.New("agent: malformed add request, missing comment")
	}
	if err := ag.Add(AddedKey{PrivateKey: signer, Comment: string(comment)}); err != nil {
		return nil, err
	}
	return []byte{agentSuccess}, nil
}

func handleRemove(ag Agent, payload []byte) ([]byte, error) {
	blob, _, ok := parseString(payload)
	if !ok {
		return nil, errors.New("agent: malformed remove request")
	}
	pub, ok := ssh.ParsePublicKey(blob)
	if !ok {
		return nil, errors.New("agent: invalid public key in remove request")
	}
	if err := ag.Remove(pub); err != nil {
		return nil, err
	}
	return []byte{agentSuccess}, nil
}
