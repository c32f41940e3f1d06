// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildOpenSSHRSAKey hand-assembles an unencrypted ("none"/"none")
// openssh-key-v1 container around key, mirroring the layout
// parseOpenSSHPrivateKey expects: magic, cipher/kdf names, a single
// public key blob, and an encrypted (here, plaintext) private section.
func buildOpenSSHRSAKey(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()

	pub := (*rsaPublicKey)(&key.PublicKey)
	pubBlob := MarshalPublicKey(pub)

	var sec []byte
	sec = appendU32(sec, 0x2a2a2a2a)
	sec = appendU32(sec, 0x2a2a2a2a)
	sec = appendString(sec, hostAlgoRSA)
	sec = marshalInt(sec, key.N)
	sec = marshalInt(sec, big.NewInt(int64(key.E)))
	sec = marshalInt(sec, key.D)
	sec = marshalInt(sec, new(big.Int).ModInverse(key.Primes[1], key.Primes[0]))
	sec = marshalInt(sec, key.Primes[0])
	sec = marshalInt(sec, key.Primes[1])
	sec = appendString(sec, "")
	for i := 1; len(sec)%8 != 0; i++ {
		sec = append(sec, byte(i))
	}

	var data []byte
	data = append(data, []byte(openSSHMagic)...)
	data = appendString(data, "none")
	data = appendString(data, "none")
	data = appendString(data, "")
	data = appendU32(data, 1)
	data = append(data, appendU32(nil, uint32(len(pubBlob)))...)
	data = append(data, pubBlob...)
	data = append(data, appendU32(nil, uint32(len(sec)))...)
	data = append(data, sec...)

	return pem.EncodeToMemory(&pem.Block{Type: "OPENSSH PRIVATE KEY", Bytes: data})
}

// TestParsePrivateKeyCrossFormat loads the same RSA key from both PEM
// containers the loader supports and checks they agree on the public
// key's modulus and exponent.
func TestParsePrivateKeyCrossFormat(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	key.Precompute()

	pkcs1PEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	openSSHPEM := buildOpenSSHRSAKey(t, key)

	a, err := ParsePrivateKey(pkcs1PEM, nil)
	require.NoError(t, err)
	b, err := ParsePrivateKey(openSSHPEM, nil)
	require.NoError(t, err)

	ap, ok := a.PublicKey().(*rsaPublicKey)
	require.True(t, ok, "a.PublicKey() is %T, want *rsaPublicKey", a.PublicKey())
	bp, ok := b.PublicKey().(*rsaPublicKey)
	require.True(t, ok, "b.PublicKey() is %T, want *rsaPublicKey", b.PublicKey())

	require.Equal(t, 0, ap.N.Cmp(bp.N), "modulus mismatch")
	require.Equal(t, ap.E, bp.E, "exponent mismatch")
}

// TestParsePrivateKeyRejectsHeaders ensures encrypted-marker PEM headers
// (which this loader does not support) are rejected rather than silently
// ignored.
func TestParsePrivateKeyRejectsHeaders(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	block := &pem.Block{
		Type:    "RSA PRIVATE KEY",
		Bytes:   x509.MarshalPKCS1PrivateKey(key),
		Headers: map[string]string{"DEK-Info": "AES-128-CBC,0123456789ABCDEF0123456789ABCDEF"},
	}
	_, err = ParsePrivateKey(pem.EncodeToMemory(block), nil)
	require.Error(t, err, "ParsePrivateKey accepted a PEM block with headers")
}

// TestMarshalPublicKeyRoundTrip checks that plain keys and certificates
// both round-trip through ParsePublicKey(MarshalPublicKey(...)) with a
// single algorithm-name prefix, not the doubled prefix an earlier bug in
// MarshalPublicKey produced for certificates.
func TestMarshalPublicKeyRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	pub := (*rsaPublicKey)(&key.PublicKey)

	blob := MarshalPublicKey(pub)
	got, ok := ParsePublicKey(blob)
	require.True(t, ok, "ParsePublicKey failed to parse a freshly marshalled key")
	gotRSA, ok := got.(*rsaPublicKey)
	require.True(t, ok, "parsed key is %T, want *rsaPublicKey", got)
	require.Equal(t, 0, gotRSA.N.Cmp(pub.N))
	require.Equal(t, gotRSA.E, pub.E)

	sigKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	cert := &OpenSSHCertV01{
		Nonce:        []byte("nonce-nonce-nonce-nonce"),
		Key:          pub,
		Serial:       1,
		Type:         UserCert,
		KeyId:        "test",
		SignatureKey: (*rsaPublicKey)(&sigKey.PublicKey),
		Signature:    &signature{Format: hostAlgoRSA, Blob: []byte("not-a-real-signature")},
	}

	certBlob := MarshalPublicKey(cert)
	gotCert, ok := ParsePublicKey(certBlob)
	require.True(t, ok, "ParsePublicKey failed to parse a freshly marshalled certificate")
	parsed, ok := gotCert.(*OpenSSHCertV01)
	require.True(t, ok, "parsed cert is %T, want *OpenSSHCertV01", gotCert)
	require.Equal(t, cert.KeyId, parsed.KeyId)
	require.Equal(t, cert.Serial, parsed.Serial)
	parsedKey, ok := parsed.Key.(*rsaPublicKey)
	require.True(t, ok, "parsed cert subject key is %T, want *rsaPublicKey", parsed.Key)
	require.Equal(t, 0, parsedKey.N.Cmp(pub.N))
	require.Equal(t, parsedKey.E, pub.E)
}
