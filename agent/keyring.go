// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/massiveart/go.crypto/ssh"
)

var errLocked = errors.New("agent: locked")

type privKey struct {
	signer  ssh.Signer
	comment string
}

// keyring is an in-memory Agent, the counterpart to k0sproject-rig's
// ssh-agent client wiring: something has to answer on the other end of
// SSH_AUTH_SOCK, and this is that reference implementation.
type keyring struct {
	mu         sync.Mutex
	keys       []privKey
	locked     bool
	passphrase []byte
}

// NewKeyring returns an Agent that holds keys in memory for the life of
// the process, matching ssh-agent's default (non-persistent) behavior.
func NewKeyring() Agent {
	return &keyring{}
}

func (r *keyring) List() ([]*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, nil
	}
	out := make([]*Key, 0, len(r.keys))
	for _, k := range r.keys {
		pub := k.signer.PublicKey()
		out = append(out, &Key{Format: pub.PrivateKeyAlgo(), Blob: pub.Marshal(), Comment: k.comment})
	}
	return out, nil
}

func (r *keyring) Sign(key ssh.PublicKey, data []byte) (*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, errLocked
	}
	want := key.Marshal()
	for _, k := range r.keys {
		if bytes.Equal(k.signer.PublicKey().Marshal(), want) {
			sig, err := k.signer.Sign(rand.Reader, data)
			if err != nil {
				return nil, err
			}
			return &Signature{Format: k.signer.PublicKey().PrivateKeyAlgo(), Blob: sig}, nil
		}
	}
	return nil, errors.New("agent: key not found")
}

func (r *keyring) Add(key AddedKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.PrivateKey == nil {
		return errors.New("agent: AddedKey.PrivateKey must be set")
	}
	r.keys = append(r.keys, privKey{signer: key.PrivateKey, comment: key.Comment})
	return nil
}

func (r *keyring) Remove(key ssh.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := key.Marshal()
	for i, k := range r.keys {
		if bytes.Equal(k.signer.PublicKey().Marshal(), want) {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			return nil
		}
	}
	return errors.New("agent: key not found")
}

func (r *keyring) RemoveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = nil
	return nil
}

func (r *keyring) Lock(passphrase []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return errors.New("agent: already locked")
	}
	r.locked = true
	r.passphrase = append([]byte{}, passphrase...)
	return nil
}

func (r *keyring) Unlock(passphrase []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.locked {
		return errors.New("agent: not locked")
	}
	if subtle.ConstantTimeCompare(passphrase, r.passphrase) != 1 {
		return errors.New("agent: incorrect passphrase")
	}
	r.locked = false
	r.passphrase = nil
	return nil
}

func (r *keyring) Signers() ([]ssh.Signer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, errLocked
	}
	out := make([]ssh.Signer, len(r.keys))
	for i, k := range r.keys {
		out[i] = k.signer
	}
	return out, nil
}
