// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateHostKey(t *testing.T, keyAlgo string) Signer {
	t.Helper()
	var signer Signer
	var err error
	switch keyAlgo {
	case hostAlgoRSA:
		var k *rsa.PrivateKey
		k, err = rsa.GenerateKey(rand.Reader, 1024)
		if err == nil {
			signer, err = NewSignerFromKey(k)
		}
	case hostAlgoEd25519:
		var priv ed25519.PrivateKey
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err == nil {
			signer, err = NewSignerFromKey(priv)
		}
	case hostAlgoECDSA256:
		var k *ecdsa.PrivateKey
		k, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err == nil {
			signer, err = NewSignerFromKey(k)
		}
	case hostAlgoECDSA384:
		var k *ecdsa.PrivateKey
		k, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err == nil {
			signer, err = NewSignerFromKey(k)
		}
	case hostAlgoECDSA521:
		var k *ecdsa.PrivateKey
		k, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
		if err == nil {
			signer, err = NewSignerFromKey(k)
		}
	default:
		t.Fatalf("generateHostKey: unknown key algorithm %q", keyAlgo)
	}
	require.NoError(t, err, "generateHostKey(%s)", keyAlgo)
	return signer
}

// echoSessionServer serves a single "session" channel: it reads everything
// the client writes, echoes it back prefixed with "$ " and suffixed with
// "success\n", then reports a zero exit status.
func echoSessionServer(t *testing.T, conn *ServerConn) {
	t.Helper()
	newCh, err := conn.Accept()
	if err != nil {
		t.Errorf("server Accept: %v", err)
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		t.Errorf("server channel Accept: %v", err)
		return
	}
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "shell", nil)
			}
		}
	}()

	in, err := io.ReadAll(ch)
	if err != nil {
		t.Errorf("server read: %v", err)
		return
	}
	if _, err := ch.Write([]byte("$ " + string(in) + "success\n")); err != nil {
		t.Errorf("server write: %v", err)
		return
	}
	ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	ch.Close()
}

// runSuiteCombo drives one full handshake, userauth and session round trip
// restricted to a single kex/key/cipher/mac combination.
func runSuiteCombo(t *testing.T, kexName, keyAlgo, cipherName, macName string) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	hostKey := generateHostKey(t, keyAlgo)
	crypto := CryptoConfig{
		KeyExchanges: []string{kexName},
		Ciphers:      []string{cipherName},
		MACs:         []string{macName},
	}

	serverConfig := &ServerConfig{NoClientAuth: true, Crypto: crypto}
	serverConfig.AddHostKey(hostKey)

	serverErr := make(chan error, 1)
	var server *ServerConn
	go func() {
		var err error
		server, err = NewServerConn(serverConn, serverConfig)
		serverErr <- err
	}()

	clientConfig := &ClientConfig{
		User:           "test",
		Auth:           []ClientAuth{ClientAuthPassword("unused")},
		HostKeyChecker: InsecureIgnoreHostKey(),
		Crypto:         crypto,
	}
	client, err := clientWithAddress(clientConn, "pipe", clientConfig)
	require.NoError(t, err, "client handshake (%s/%s/%s/%s)", kexName, keyAlgo, cipherName, macName)
	defer client.Close()

	require.NoError(t, <-serverErr, "server handshake (%s/%s/%s/%s)", kexName, keyAlgo, cipherName, macName)
	go echoSessionServer(t, server)

	session, err := NewSession(client)
	require.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())
	_, err = stdin.Write([]byte("testAgent\nexit\n"))
	require.NoError(t, err, "stdin write")
	require.NoError(t, stdin.Close(), "stdin close")

	out, err := io.ReadAll(session.Stdout)
	require.NoError(t, err, "read stdout")
	const want = "$ testAgent\nexit\nsuccess\n"
	require.Equal(t, want, string(out), "combo %s/%s/%s/%s", kexName, keyAlgo, cipherName, macName)
	require.NoError(t, session.Wait())
}

// TestSuiteSweep exercises every registered algorithm in each of the four
// negotiation classes at least once, varying one axis at a time against a
// fixed baseline combination.
func TestSuiteSweep(t *testing.T) {
	const (
		baseKex    = kexAlgoCurve25519SHA256
		baseKey    = hostAlgoEd25519
		baseCipher = cipherAES128CTR
		baseMAC    = macHMACSHA256
	)

	kexAlgos := []string{
		kexAlgoCurve25519SHA256,
		kexAlgoECDH256, kexAlgoECDH384, kexAlgoECDH521,
		kexAlgoDHGEXSHA256, kexAlgoDHGEXSHA1,
		kexAlgoDH14SHA1, kexAlgoDH1SHA1,
	}
	keyAlgos := []string{hostAlgoRSA, hostAlgoEd25519, hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521}
	cipherAlgos := []string{cipherAES128CTR, cipherAES256CTR, cipherAES128CBC, cipherAES256CBC}
	macAlgos := []string{macHMACSHA256, macHMACSHA512, macHMACSHA1}

	for _, kex := range kexAlgos {
		kex := kex
		t.Run(fmt.Sprintf("kex=%s", kex), func(t *testing.T) {
			runSuiteCombo(t, kex, baseKey, baseCipher, baseMAC)
		})
	}
	for _, key := range keyAlgos {
		key := key
		t.Run(fmt.Sprintf("key=%s", key), func(t *testing.T) {
			runSuiteCombo(t, baseKex, key, baseCipher, baseMAC)
		})
	}
	for _, cipher := range cipherAlgos {
		cipher := cipher
		t.Run(fmt.Sprintf("cipher=%s", cipher), func(t *testing.T) {
			runSuiteCombo(t, baseKex, baseKey, cipher, baseMAC)
		})
	}
	for _, mac := range macAlgos {
		mac := mac
		t.Run(fmt.Sprintf("mac=%s", mac), func(t *testing.T) {
			runSuiteCombo(t, baseKex, baseKey, baseCipher, mac)
		})
	}
}
