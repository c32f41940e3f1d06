// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/massiveart/go.crypto/ssh/internal/bcryptpbkdf"
)

// PublicKey is the common interface implemented by every identity's
// public half: it can be verified against a
// signature and serialized into SSH wire form.
type PublicKey interface {
	// PublicKeyAlgo returns the algorithm name used when this key (or a
	// certificate wrapping it) is offered as a host or user key.
	PublicKeyAlgo() string
	// PrivateKeyAlgo returns the algorithm name used when signing with
	// the corresponding private key; usually equal to PublicKeyAlgo.
	PrivateKeyAlgo() string
	// Marshal returns the key in SSH wire format (the "public key blob").
	Marshal() []byte
	// Verify verifies a signature made over data by the corresponding
	// private key.
	Verify(data []byte, sig []byte) bool
}

// Signer is implemented by every loaded Identity: it
// produces a signature over arbitrary bytes under its algorithm's name,
// and exposes the matching public key.
type Signer interface {
	PublicKey() PublicKey
	Sign(rand io.Reader, data []byte) ([]byte, error)
}

// CryptoPrivateKey is implemented by Signers that wrap a stdlib
// crypto.Signer, letting callers that need the underlying key material
// (e.g. the agent package's add-identity path) recover it.
type CryptoPrivateKey interface {
	CryptoPrivateKey() crypto.Signer
}

// ---- RSA ----

type rsaPublicKey rsa.PublicKey

func (r *rsaPublicKey) PublicKeyAlgo() string  { return hostAlgoRSA }
func (r *rsaPublicKey) PrivateKeyAlgo() string { return hostAlgoRSA }

func (r *rsaPublicKey) Marshal() []byte {
	e := new(big.Int).SetInt64(int64(r.E))
	length := stringLength(len(hostAlgoRSA))
	length += intLength(e)
	length += intLength(r.N)
	ret := make([]byte, length)
	rest := marshalString(ret, []byte(hostAlgoRSA))
	rest = marshalInt(rest[:0], e)
	marshalInt(rest, r.N)
	return ret
}

func (r *rsaPublicKey) Verify(data []byte, sigBlob []byte) bool {
	hash := crypto.SHA1
	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)
	return rsa.VerifyPKCS1v15((*rsa.PublicKey)(r), hash, digest, sigBlob) == nil
}

type rsaPrivateKey struct {
	*rsa.PrivateKey
}

func (r *rsaPrivateKey) PublicKey() PublicKey {
	return (*rsaPublicKey)(&r.PrivateKey.PublicKey)
}

func (r *rsaPrivateKey) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	hash := crypto.SHA1
	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)
	return rsa.SignPKCS1v15(rnd, r.PrivateKey, hash, digest)
}

func (r *rsaPrivateKey) CryptoPrivateKey() crypto.Signer { return r.PrivateKey }

// marshalRSAPrivateKeyPKCS1 serializes an RSA private key back to PKCS#1
// DER.
func marshalRSAPrivateKeyPKCS1(k *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(k)
}

// ---- Ed25519 ----

type ed25519PublicKey ed25519.PublicKey

func (k ed25519PublicKey) PublicKeyAlgo() string  { return hostAlgoEd25519 }
func (k ed25519PublicKey) PrivateKeyAlgo() string { return hostAlgoEd25519 }

func (k ed25519PublicKey) Marshal() []byte {
	length := stringLength(len(hostAlgoEd25519))
	length += stringLength(len(k))
	ret := make([]byte, length)
	rest := marshalString(ret, []byte(hostAlgoEd25519))
	marshalString(rest, k)
	return ret
}

func (k ed25519PublicKey) Verify(data []byte, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k), data, sig)
}

type ed25519PrivateKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (k *ed25519PrivateKey) PublicKey() PublicKey {
	return ed25519PublicKey(k.pub)
}

func (k *ed25519PrivateKey) Sign(_ io.Reader, data []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, data), nil
}

func (k *ed25519PrivateKey) CryptoPrivateKey() crypto.Signer { return k.priv }

// ---- ECDSA ----

type ecdsaPublicKey ecdsa.PublicKey

func ecdsaAlgoName(curve elliptic.Curve) string {
	switch curve.Params().BitSize {
	case 256:
		return hostAlgoECDSA256
	case 384:
		return hostAlgoECDSA384
	case 521:
		return hostAlgoECDSA521
	}
	panic("ssh: unsupported ecdsa curve")
}

func ecdsaCurveName(curve elliptic.Curve) string {
	switch curve.Params().BitSize {
	case 256:
		return "nistp256"
	case 384:
		return "nistp384"
	case 521:
		return "nistp521"
	}
	panic("ssh: unsupported ecdsa curve")
}

func curveForName(name string) elliptic.Curve {
	switch name {
	case "nistp256":
		return elliptic.P256()
	case "nistp384":
		return elliptic.P384()
	case "nistp521":
		return elliptic.P521()
	}
	return nil
}

func ecHash(curve elliptic.Curve) crypto.Hash {
	switch curve.Params().BitSize {
	case 256:
		return crypto.SHA256
	case 384:
		return crypto.SHA384
	default:
		return crypto.SHA512
	}
}

func (k *ecdsaPublicKey) PublicKeyAlgo() string  { return ecdsaAlgoName(k.Curve) }
func (k *ecdsaPublicKey) PrivateKeyAlgo() string { return ecdsaAlgoName(k.Curve) }

func (k *ecdsaPublicKey) Marshal() []byte {
	algo := ecdsaAlgoName(k.Curve)
	curveName := ecdsaCurveName(k.Curve)
	point := elliptic.Marshal(k.Curve, k.X, k.Y)
	length := stringLength(len(algo))
	length += stringLength(len(curveName))
	length += stringLength(len(point))
	ret := make([]byte, length)
	rest := marshalString(ret, []byte(algo))
	rest = marshalString(rest, []byte(curveName))
	marshalString(rest, point)
	return ret
}

func (k *ecdsaPublicKey) Verify(data []byte, sigBlob []byte) bool {
	var ecSig struct {
		R, S *big.Int
	}
	if _, err := asn1UnmarshalECDSASignature(sigBlob, &ecSig); err != nil {
		return false
	}
	h := ecHash(k.Curve).New()
	h.Write(data)
	return ecdsa.Verify((*ecdsa.PublicKey)(k), h.Sum(nil), ecSig.R, ecSig.S)
}

// asn1UnmarshalECDSASignature parses the SSH-wire ECDSA signature blob,
// which is two mpints (r, s), not ASN.1 DER, despite the helper's name
// (kept for symmetry with the ASN.1 PKCS#1 loader below).
func asn1UnmarshalECDSASignature(in []byte, out *struct{ R, S *big.Int }) ([]byte, error) {
	r, rest, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: invalid ecdsa signature")
	}
	s, rest, ok := parseInt(rest)
	if !ok {
		return nil, errors.New("ssh: invalid ecdsa signature")
	}
	out.R, out.S = r, s
	return rest, nil
}

func marshalECDSASignature(r, s *big.Int) []byte {
	length := intLength(r) + intLength(s)
	ret := make([]byte, length)
	rest := marshalInt(ret[:0], r)
	marshalInt(rest, s)
	return ret
}

type ecdsaPrivateKey struct {
	*ecdsa.PrivateKey
}

func (k *ecdsaPrivateKey) PublicKey() PublicKey {
	return (*ecdsaPublicKey)(&k.PrivateKey.PublicKey)
}

func (k *ecdsaPrivateKey) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	h := ecHash(k.Curve).New()
	h.Write(data)
	r, s, err := ecdsa.Sign(rnd, k.PrivateKey, h.Sum(nil))
	if err != nil {
		return nil, err
	}
	return marshalECDSASignature(r, s), nil
}

func (k *ecdsaPrivateKey) CryptoPrivateKey() crypto.Signer { return k.PrivateKey }

func validateECPublicKey(curve elliptic.Curve, x, y *big.Int) bool {
	if x.Sign() == 0 && y.Sign() == 0 {
		return false
	}
	return curve.IsOnCurve(x, y)
}

// ---- parsing public key blobs ----

// ParsePublicKey parses an SSH wire-format public key blob (as produced
// by MarshalPublicKey or found in an authorized_keys/known_hosts line
// after base64 decoding).
func ParsePublicKey(in []byte) (out PublicKey, ok bool) {
	algo, in, ok := parseString(in)
	if !ok {
		return nil, false
	}
	key, _, ok := parsePubKeyWithAlgo(string(algo), in)
	return key, ok
}

// ParseAuthorizedKey parses the first authorized_keys-format line
// ("algo base64blob [comment]") in in that holds a valid key, skipping
// blank, comment and unparsable lines, and returns the decoded key, its
// trailing comment, and the bytes after that line.
func ParseAuthorizedKey(in []byte) (out PublicKey, comment string, rest []byte, err error) {
	for len(in) > 0 {
		end := bytes.IndexByte(in, '\n')
		var line []byte
		if end != -1 {
			line, rest = in[:end], in[end+1:]
		} else {
			line, rest = in, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			in = rest
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 2 {
			in = rest
			continue
		}
		blob, decErr := base64.StdEncoding.DecodeString(string(fields[1]))
		if decErr != nil {
			in = rest
			continue
		}
		key, ok := ParsePublicKey(blob)
		if !ok {
			in = rest
			continue
		}
		if len(fields) > 2 {
			comment = string(bytes.Join(fields[2:], []byte(" ")))
		}
		return key, comment, rest, nil
	}
	return nil, "", nil, errors.New("ssh: no key found")
}

func parsePubKeyWithAlgo(algo string, in []byte) (out PublicKey, rest []byte, ok bool) {
	switch algo {
	case hostAlgoRSA:
		return parseRSA(in)
	case hostAlgoEd25519:
		return parseEd25519(in)
	case hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521:
		return parseECDSA(in)
	case CertAlgoRSAv01, CertAlgoECDSA256v01, CertAlgoECDSA384v01, CertAlgoECDSA521v01:
		cert, rest, ok := parseOpenSSHCertV01(in, pubAlgoToPrivAlgo(algo))
		return cert, rest, ok
	}
	return nil, in, false
}

func parseRSA(in []byte) (out PublicKey, rest []byte, ok bool) {
	e, in, ok := parseInt(in)
	if !ok {
		return
	}
	n, in, ok := parseInt(in)
	if !ok {
		return
	}
	if e.BitLen() > 64 {
		return nil, nil, false
	}
	key := &rsa.PublicKey{E: int(e.Int64()), N: n}
	return (*rsaPublicKey)(key), in, true
}

func parseEd25519(in []byte) (out PublicKey, rest []byte, ok bool) {
	var keyBytes []byte
	keyBytes, rest, ok = parseString(in)
	if !ok || len(keyBytes) != ed25519.PublicKeySize {
		return nil, rest, false
	}
	return ed25519PublicKey(keyBytes), rest, true
}

func parseECDSA(in []byte) (out PublicKey, rest []byte, ok bool) {
	curveName, in, ok := parseString(in)
	if !ok {
		return
	}
	curve := curveForName(string(curveName))
	if curve == nil {
		return nil, in, false
	}
	point, in, ok := parseString(in)
	if !ok {
		return
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, in, false
	}
	key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	return (*ecdsaPublicKey)(key), in, true
}

// ---- Identity / PEM loader ----

// ParsePrivateKey parses a PEM-encoded private key (PKCS#1 "RSA PRIVATE
// KEY" or "OPENSSH PRIVATE KEY") into a Signer. The loader is the sole
// point where key material enters the system.
//
// If the key is encrypted, the password is obtained from passphrase; a
// nil passphrase fails immediately on an encrypted key rather than
// silently producing empty key material.
func ParsePrivateKey(pemBytes []byte, passphrase []byte) (Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ssh: no PEM block found")
	}
	if len(block.Headers) != 0 {
		return nil, errors.New("ssh: PEM headers are not supported")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return parsePKCS1RSA(block.Bytes)
	case "OPENSSH PRIVATE KEY":
		return parseOpenSSHPrivateKey(block.Bytes, passphrase)
	default:
		return nil, fmt.Errorf("ssh: unsupported key type %q", block.Type)
	}
}

// parsePKCS1RSA decodes the PKCS#1 ASN.1 sequence (version, n, e, d, p,
// q, dP, dQ, qInv) via x509.ParsePKCS1PrivateKey, since no third-party
// ASN.1 library appears anywhere in the retrieval pack.
func parsePKCS1RSA(der []byte) (Signer, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("ssh: malformed PKCS#1 RSA key: %w", err)
	}
	return &rsaPrivateKey{key}, nil
}

const openSSHMagic = "openssh-key-v1\x00"

// parseOpenSSHPrivateKey implements the "OPENSSH PRIVATE KEY" container:
// magic, ciphername, kdfname, kdfoptions, a count of public blobs (only
// 1 is supported) and an encrypted private section.
func parseOpenSSHPrivateKey(data []byte, passphrase []byte) (Signer, error) {
	if len(data) < len(openSSHMagic) || string(data[:len(openSSHMagic)]) != openSSHMagic {
		return nil, errors.New("ssh: invalid openssh private key format")
	}
	rest := data[len(openSSHMagic):]

	cipherName, rest, ok := parseString(rest)
	if !ok {
		return nil, errors.New("ssh: truncated openssh private key")
	}
	kdfName, rest, ok := parseString(rest)
	if !ok {
		return nil, errors.New("ssh: truncated openssh private key")
	}
	kdfOptions, rest, ok := parseString(rest)
	if !ok {
		return nil, errors.New("ssh: truncated openssh private key")
	}
	numKeys, rest, ok := parseUint32(rest)
	if !ok || numKeys != 1 {
		return nil, errors.New("ssh: openssh private key must contain exactly one key")
	}
	// One public key blob to skip; we derive the public key from the
	// private section instead, as the real key material is canonical.
	_, rest, ok = parseString(rest)
	if !ok {
		return nil, errors.New("ssh: truncated openssh private key")
	}
	privSection, rest, ok := parseString(rest)
	if !ok {
		return nil, errors.New("ssh: truncated openssh private key")
	}
	_ = rest

	switch string(kdfName) {
	case "none":
		if string(cipherName) != "none" {
			return nil, fmt.Errorf("ssh: unsupported cipher %q with kdf \"none\"", cipherName)
		}
	case "bcrypt":
		if string(cipherName) != "aes256-cbc" {
			return nil, fmt.Errorf("ssh: unsupported cipher %q for bcrypt kdf", cipherName)
		}
		if len(passphrase) == 0 {
			return nil, errors.New("ssh: openssh key is encrypted but no passphrase was provided")
		}
		salt, optRest, ok := parseString(kdfOptions)
		if !ok {
			return nil, errors.New("ssh: malformed bcrypt kdfoptions")
		}
		rounds, _, ok := parseUint32(optRest)
		if !ok {
			return nil, errors.New("ssh: malformed bcrypt kdfoptions")
		}
		const keySize, ivSize = 32, 16 // aes256-cbc
		kdfOut, err := bcryptpbkdf.Key(passphrase, salt, int(rounds), keySize+ivSize)
		if err != nil {
			return nil, fmt.Errorf("ssh: bcrypt-pbkdf: %w", err)
		}
		block, err := aes.NewCipher(kdfOut[:keySize])
		if err != nil {
			return nil, err
		}
		if len(privSection)%block.BlockSize() != 0 {
			return nil, errors.New("ssh: corrupt openssh private key: bad padding length")
		}
		mode := cipher.NewCBCDecrypter(block, kdfOut[keySize:keySize+ivSize])
		mode.CryptBlocks(privSection, privSection)
	default:
		return nil, fmt.Errorf("ssh: unsupported openssh kdf %q", kdfName)
	}

	return parseOpenSSHPrivateSection(privSection)
}

// parseOpenSSHPrivateSection parses the decrypted private section: two
// matching check-ints, an algorithm-specific key blob, a comment, and
// PKCS#7-style padding (1, 2, 3, ...).
func parseOpenSSHPrivateSection(sec []byte) (Signer, error) {
	if len(sec) < 8 {
		return nil, errors.New("ssh: openssh private section too short")
	}
	check1 := binary.BigEndian.Uint32(sec[0:4])
	check2 := binary.BigEndian.Uint32(sec[4:8])
	if check1 != check2 {
		return nil, errors.New("ssh: incorrect passphrase supplied (or corrupt key)")
	}
	rest := sec[8:]

	algo, rest, ok := parseString(rest)
	if !ok {
		return nil, errors.New("ssh: malformed openssh private key body")
	}

	switch string(algo) {
	case hostAlgoRSA:
		return parseOpenSSHRSA(rest)
	case hostAlgoEd25519:
		return parseOpenSSHEd25519(rest)
	case hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521:
		return parseOpenSSHECDSA(rest)
	default:
		return nil, fmt.Errorf("ssh: unsupported openssh key algorithm %q", algo)
	}
}

func parseOpenSSHRSA(in []byte) (Signer, error) {
	n, in, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}
	e, in, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}
	d, in, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}
	iqmp, in, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}
	p, in, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}
	q, _, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh rsa key")
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	_ = iqmp // recomputed by Precompute from Primes; kept for format fidelity
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("ssh: invalid rsa key: %w", err)
	}
	return &rsaPrivateKey{key}, nil
}

func parseOpenSSHEd25519(in []byte) (Signer, error) {
	pub, in, ok := parseString(in)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("ssh: malformed openssh ed25519 public part")
	}
	priv, _, ok := parseString(in)
	if !ok || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("ssh: malformed openssh ed25519 private part")
	}
	return &ed25519PrivateKey{
		pub:  ed25519.PublicKey(append([]byte{}, pub...)),
		priv: ed25519.PrivateKey(append([]byte{}, priv...)),
	}, nil
}

func parseOpenSSHECDSA(in []byte) (Signer, error) {
	curveName, in, ok := parseString(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh ecdsa key")
	}
	curve := curveForName(string(curveName))
	if curve == nil {
		return nil, fmt.Errorf("ssh: unsupported ecdsa curve %q", curveName)
	}
	point, in, ok := parseString(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh ecdsa key")
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, errors.New("ssh: invalid ecdsa point")
	}
	d, _, ok := parseInt(in)
	if !ok {
		return nil, errors.New("ssh: malformed openssh ecdsa key")
	}
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return &ecdsaPrivateKey{key}, nil
}

// NewSignerFromKey wraps a stdlib crypto private key (as produced by
// crypto/rsa, crypto/ed25519, crypto/ecdsa) as a Signer, for callers that
// generate or otherwise obtain keys without going through the PEM loader.
func NewSignerFromKey(key crypto.Signer) (Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &rsaPrivateKey{k}, nil
	case ed25519.PrivateKey:
		return &ed25519PrivateKey{pub: k.Public().(ed25519.PublicKey), priv: k}, nil
	case *ecdsa.PrivateKey:
		return &ecdsaPrivateKey{k}, nil
	default:
		return nil, fmt.Errorf("ssh: unsupported key type %T", key)
	}
}

// rsaGenerateKey mints a throwaway RSA key of the given size.
func rsaGenerateKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}
