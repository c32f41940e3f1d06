// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/massiveart/go.crypto/ssh"
)

// marshalPrivateKeyFields is the inverse of parsePrivateKeyFields,
// encoding signer's private key material for an
// SSH2_AGENTC_ADD_IDENTITY request.
func marshalPrivateKeyFields(algo string, signer ssh.Signer) ([]byte, error) {
	cpk, ok := signer.(ssh.CryptoPrivateKey)
	if !ok {
		return nil, fmt.Errorf("agent: %T does not expose its private key material", signer)
	}
	switch k := cpk.CryptoPrivateKey().(type) {
	case *rsa.PrivateKey:
		k.Precompute()
		buf := append([]byte{}, mpint(k.N)...)
		buf = append(buf, mpint(big.NewInt(int64(k.E)))...)
		buf = append(buf, mpint(k.D)...)
		buf = append(buf, mpint(k.Precomputed.Qinv)...)
		buf = append(buf, mpint(k.Primes[0])...)
		buf = append(buf, mpint(k.Primes[1])...)
		return buf, nil
	case ed25519.PrivateKey:
		pub := k.Public().(ed25519.PublicKey)
		buf := append([]byte{}, marshalString(pub)...)
		buf = append(buf, marshalString(k)...)
		return buf, nil
	case *ecdsa.PrivateKey:
		buf := append([]byte{}, marshalString([]byte(algo[len("ecdsa-sha2-"):]))...)
		buf = append(buf, marshalString(elliptic.Marshal(k.Curve, k.X, k.Y))...)
		buf = append(buf, mpint(k.D)...)
		return buf, nil
	default:
		return nil, fmt.Errorf("agent: unsupported private key type %T", k)
	}
}

func mpint(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return marshalString(b)
}

// parsePrivateKeyFields decodes the type-specific private-key fields of
// an SSH2_AGENTC_ADD_IDENTITY request (draft-miller-ssh-agent section
// 3.2), returning the remaining bytes (just the trailing comment
// field). The per-type field order mirrors the OpenSSH private key
// file format's inner section, which uses the same encoding.
func parsePrivateKeyFields(keyType string, in []byte) (ssh.Signer, []byte, error) {
	switch keyType {
	case "ssh-rsa":
		return parseRSAFields(in)
	case "ssh-ed25519":
		return parseEd25519Fields(in)
	case "ecdsa-sha2-nistp256":
		return parseECDSAFields(elliptic.P256(), in)
	case "ecdsa-sha2-nistp384":
		return parseECDSAFields(elliptic.P384(), in)
	case "ecdsa-sha2-nistp521":
		return parseECDSAFields(elliptic.P521(), in)
	default:
		return nil, nil, fmt.Errorf("agent: unsupported key type %q", keyType)
	}
}

func parseMPInt(b []byte) (*big.Int, []byte, bool) {
	raw, rest, ok := parseString(b)
	if !ok {
		return nil, b, false
	}
	return new(big.Int).SetBytes(raw), rest, true
}

func parseRSAFields(in []byte) (ssh.Signer, []byte, error) {
	n, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}
	e, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}
	d, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}
	_, in, ok = parseMPInt(in) // iqmp, recomputed by Precompute
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}
	p, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}
	q, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed rsa key")
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, nil, fmt.Errorf("agent: invalid rsa key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, err
	}
	return signer, in, nil
}

func parseEd25519Fields(in []byte) (ssh.Signer, []byte, error) {
	_, in, ok := parseString(in) // public key, redundant with priv's suffix
	if !ok {
		return nil, nil, errors.New("agent: malformed ed25519 key")
	}
	priv, in, ok := parseString(in)
	if !ok || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("agent: malformed ed25519 key")
	}
	signer, err := ssh.NewSignerFromKey(ed25519.PrivateKey(append([]byte{}, priv...)))
	if err != nil {
		return nil, nil, err
	}
	return signer, in, nil
}

func parseECDSAFields(curve elliptic.Curve, in []byte) (ssh.Signer, []byte, error) {
	_, in, ok := parseString(in) // curve name, redundant with keyType
	if !ok {
		return nil, nil, errors.New("agent: malformed ecdsa key")
	}
	point, in, ok := parseString(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed ecdsa key")
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, nil, errors.New("agent: invalid ecdsa point")
	}
	d, in, ok := parseMPInt(in)
	if !ok {
		return nil, nil, errors.New("agent: malformed ecdsa key")
	}
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, err
	}
	return signer, in, nil
}
