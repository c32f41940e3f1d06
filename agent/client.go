// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"errors"
	"io"
	"sync"

	"github.com/massiveart/go.crypto/ssh"
)

// client talks the agent wire protocol over conn, implementing Agent for
// callers that want to delegate signing to a running agent process.
type client struct {
	mu   sync.Mutex
	conn io.ReadWriter
}

// NewClient returns an Agent backed by conn, the other end of which is
// expected to be serving ServeAgent.
func NewClient(conn io.ReadWriter) Agent {
	return &client{conn: conn}
}

func (c *client) call(req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	return readFrame(c.conn)
}

func (c *client) List() ([]*Key, error) {
	reply, err := c.call([]byte{agentRequestIdentities})
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 || reply[0] != agentIdentitiesAnswer {
		return nil, errors.New("agent: unexpected reply to list request")
	}
	num, rest, ok := parseUint32(reply[1:])
	if !ok {
		return nil, errors.New("agent: malformed identities answer")
	}
	keys := make([]*Key, 0, num)
	for i := uint32(0); i < num; i++ {
		var blob, comment []byte
		if blob, rest, ok = parseString(rest); !ok {
			return nil, errors.New("agent: malformed identities answer")
		}
		if comment, rest, ok = parseString(rest); !ok {
			return nil, errors.New("agent: malformed identities answer")
		}
		keys = append(keys, &Key{Format: keyFormat(blob), Blob: blob, Comment: string(comment)})
	}
	return keys, nil
}

func keyFormat(blob []byte) string {
	name, _, ok := parseString(blob)
	if !ok {
		return ""
	}
	return string(name)
}

func (c *client) Sign(key ssh.PublicKey, data []byte) (*Signature, error) {
	blob := key.Marshal()
	req := make([]byte, 0, 1+4+len(blob)+4+len(data)+4)
	req = append(req, agentSignRequest)
	req = append(req, marshalString(blob)...)
	req = append(req, marshalString(data)...)
	req = append(req, marshalUint32(0)...) // flags
	reply, err := c.call(req)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 || reply[0] != agentSignResponse {
		return nil, errors.New("agent: unexpected reply to sign request")
	}
	sigBlob, _, ok := parseString(reply[1:])
	if !ok {
		return nil, errors.New("agent: malformed sign response")
	}
	sig, ok := parseSignature(sigBlob)
	if !ok {
		return nil, errors.New("agent: malformed signature in sign response")
	}
	return sig, nil
}

func (c *client) Add(key AddedKey) error {
	pub := key.PrivateKey.PublicKey()
	req, err := marshalAddedKey(pub.PrivateKeyAlgo(), key)
	if err != nil {
		return err
	}
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	return expectSuccess(reply)
}

func (c *client) Remove(key ssh.PublicKey) error {
	blob := key.Marshal()
	req := make([]byte, 0, 1+4+len(blob))
	req = append(req, agentRemoveIdentity)
	req = append(req, marshalString(blob)...)
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	return expectSuccess(reply)
}

func (c *client) RemoveAll() error {
	reply, err := c.call([]byte{agentRemoveAllIdentities})
	if err != nil {
		return err
	}
	return expectSuccess(reply)
}

func (c *client) Lock(passphrase []byte) error {
	req := append([]byte{agentLock}, marshalString(passphrase)...)
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	return expectSuccess(reply)
}

func (c *client) Unlock(passphrase []byte) error {
	req := append([]byte{agentUnlock}, marshalString(passphrase)...)
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	return expectSuccess(reply)
}

func (c *client) Signers() ([]ssh.Signer, error) {
	keys, err := c.List()
	if err != nil {
		return nil, err
	}
	signers := make([]ssh.Signer, 0, len(keys))
	for _, k := range keys {
		pub, err := k.PublicKey()
		if err != nil {
			continue
		}
		signers = append(signers, &remoteSigner{client: c, pub: pub})
	}
	return signers, nil
}

// remoteSigner adapts one identity known to a remote agent to ssh.Signer,
// delegating the actual signature to the agent connection.
type remoteSigner struct {
	client *client
	pub    ssh.PublicKey
}

func (r *remoteSigner) PublicKey() ssh.PublicKey { return r.pub }

func (r *remoteSigner) Sign(_ io.Reader, data []byte) ([]byte, error) {
	sig, err := r.client.Sign(r.pub, data)
	if err != nil {
		return nil, err
	}
	return sig.Blob, nil
}

func expectSuccess(reply []byte) error {
	if len(reply) == 1 && reply[0] == agentSuccess {
		return nil
	}
	return errors.New("agent: request failed")
}

func marshalAddedKey(algo string, key AddedKey) ([]byte, error) {
	fields, err := marshalPrivateKeyFields(algo, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	req := make([]byte, 0, 1+4+len(algo)+len(fields)+4+len(key.Comment))
	req = append(req, agentAddIdentity)
	req = append(req, marshalString([]byte(algo))...)
	req = append(req, fields...)
	req = append(req, marshalString([]byte(key.Comment))...)
	return req, nil
}
