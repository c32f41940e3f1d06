// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"github.com/massiveart/go.crypto/ssh"
	"github.com/stretchr/testify/require"
)

func generateEd25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// newTestClient starts an in-memory keyring served over a net.Pipe and
// returns the client-side Agent talking to it.
func newTestClient(t *testing.T) Agent {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	ring := NewKeyring()
	go ServeAgent(ring, server)
	return NewClient(client)
}

// TestAgentAddListSign drives the add/list/sign round trip a client
// performs against a running agent: add a key, confirm it shows up in
// List, then ask the agent to sign with it and verify the signature
// against the known public key.
func TestAgentAddListSign(t *testing.T) {
	ag := newTestClient(t)
	signer := generateEd25519Signer(t)

	require.NoError(t, ag.Add(AddedKey{PrivateKey: signer, Comment: "test-key"}))

	keys, err := ag.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "test-key", keys[0].Comment)
	require.Equal(t, signer.PublicKey().Marshal(), keys[0].Blob)

	data := []byte("sign me")
	sig, err := ag.Sign(signer.PublicKey(), data)
	require.NoError(t, err)
	require.True(t, signer.PublicKey().Verify(data, sig.Blob), "agent-produced signature does not verify against the added key")
}

// TestAgentSignersUsableForAuth checks Signers returns working ssh.Signer
// adapters that delegate to the agent rather than holding key material
// locally.
func TestAgentSignersUsableForAuth(t *testing.T) {
	ag := newTestClient(t)
	signer := generateEd25519Signer(t)
	require.NoError(t, ag.Add(AddedKey{PrivateKey: signer, Comment: ""}))

	signers, err := ag.Signers()
	require.NoError(t, err)
	require.Len(t, signers, 1)

	data := []byte("auth challenge")
	sig, err := signers[0].Sign(rand.Reader, data)
	require.NoError(t, err, "remote signer Sign")
	require.True(t, signer.PublicKey().Verify(data, sig), "remote signer produced a signature that doesn't verify")
}

// TestAgentRemoveAndLock exercises Remove, RemoveAll and the Lock/Unlock
// pair that gates List and Sign while locked.
func TestAgentRemoveAndLock(t *testing.T) {
	ag := newTestClient(t)
	a := generateEd25519Signer(t)
	b := generateEd25519Signer(t)
	require.NoError(t, ag.Add(AddedKey{PrivateKey: a}))
	require.NoError(t, ag.Add(AddedKey{PrivateKey: b}))

	require.NoError(t, ag.Remove(a.PublicKey()))
	keys, err := ag.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, b.PublicKey().Marshal(), keys[0].Blob, "Remove did not leave exactly the other key behind")

	passphrase := []byte("hunter2")
	require.NoError(t, ag.Lock(passphrase))
	_, err = ag.Sign(b.PublicKey(), []byte("x"))
	require.Error(t, err, "Sign succeeded while the agent was locked")
	require.Error(t, ag.Unlock([]byte("wrong")), "Unlock succeeded with the wrong passphrase")
	require.NoError(t, ag.Unlock(passphrase))
	_, err = ag.Sign(b.PublicKey(), []byte("x"))
	require.NoError(t, err, "Sign after Unlock")

	require.NoError(t, ag.RemoveAll())
	keys, err = ag.List()
	require.NoError(t, err)
	require.Empty(t, keys, "List after RemoveAll")
}
