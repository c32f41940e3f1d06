// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"errors"
	"math/big"
	"sync"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// These are the SSH protocol name strings for the algorithms the crypto
// suite registry knows about.
const (
	kexAlgoDH1SHA1   = "diffie-hellman-group1-sha1"
	kexAlgoDH14SHA1  = "diffie-hellman-group14-sha1"
	kexAlgoDHGEXSHA1 = "diffie-hellman-group-exchange-sha1"
	kexAlgoDHGEXSHA256 = "diffie-hellman-group-exchange-sha256"
	kexAlgoECDH256   = "ecdh-sha2-nistp256"
	kexAlgoECDH384   = "ecdh-sha2-nistp384"
	kexAlgoECDH521   = "ecdh-sha2-nistp521"
	kexAlgoCurve25519SHA256 = "curve25519-sha256"

	hostAlgoRSA     = "ssh-rsa"
	hostAlgoEd25519 = "ssh-ed25519"
	hostAlgoECDSA256 = "ecdsa-sha2-nistp256"
	hostAlgoECDSA384 = "ecdsa-sha2-nistp384"
	hostAlgoECDSA521 = "ecdsa-sha2-nistp521"

	cipherAES128CTR = "aes128-ctr"
	cipherAES256CTR = "aes256-ctr"
	cipherAES128CBC = "aes128-cbc"
	cipherAES256CBC = "aes256-cbc"

	macHMACSHA256 = "hmac-sha2-256"
	macHMACSHA512 = "hmac-sha2-512"
	macHMACSHA1   = "hmac-sha1"

	compressionNone = "none"
	serviceUserAuth = "ssh-userauth"
	serviceSSH      = "ssh-connection"
)

// KEX, Key, Cipher and MAC are the four negotiation classes. Each
// value is a stable integer index, used by
// SupportedAlgorithms to restrict negotiation to a single algorithm per
// class during testing.
type KEX int

const (
	KEXCurve25519SHA256 KEX = iota
	KEXECDHSHA2NistP256
	KEXECDHSHA2NistP384
	KEXECDHSHA2NistP521
	KEXDHGroupExchangeSHA256
	KEXDHGroupExchangeSHA1
	KEXDHGroup14SHA1
	KEXDHGroup1SHA1
	numKEX
)

var kexNames = [numKEX]string{
	KEXCurve25519SHA256:      kexAlgoCurve25519SHA256,
	KEXECDHSHA2NistP256:      kexAlgoECDH256,
	KEXECDHSHA2NistP384:      kexAlgoECDH384,
	KEXECDHSHA2NistP521:      kexAlgoECDH521,
	KEXDHGroupExchangeSHA256: kexAlgoDHGEXSHA256,
	KEXDHGroupExchangeSHA1:   kexAlgoDHGEXSHA1,
	KEXDHGroup14SHA1:         kexAlgoDH14SHA1,
	KEXDHGroup1SHA1:          kexAlgoDH1SHA1,
}

func (k KEX) String() string { return kexNames[k] }

type Key int

const (
	KeyRSA Key = iota
	KeyEd25519
	KeyECDSA256
	KeyECDSA384
	KeyECDSA521
	numKey
)

var keyNames = [numKey]string{
	KeyRSA:      hostAlgoRSA,
	KeyEd25519:  hostAlgoEd25519,
	KeyECDSA256: hostAlgoECDSA256,
	KeyECDSA384: hostAlgoECDSA384,
	KeyECDSA521: hostAlgoECDSA521,
}

func (k Key) String() string { return keyNames[k] }

type Cipher int

const (
	CipherAES128CTR Cipher = iota
	CipherAES256CTR
	CipherAES128CBC
	CipherAES256CBC
	numCipher
)

var cipherNames = [numCipher]string{
	CipherAES128CTR: cipherAES128CTR,
	CipherAES256CTR: cipherAES256CTR,
	CipherAES128CBC: cipherAES128CBC,
	CipherAES256CBC: cipherAES256CBC,
}

func (c Cipher) String() string { return cipherNames[c] }

type MAC int

const (
	MACHMACSHA256 MAC = iota
	MACHMACSHA512
	MACHMACSHA1
	numMAC
)

var macNames = [numMAC]string{
	MACHMACSHA256: macHMACSHA256,
	MACHMACSHA512: macHMACSHA512,
	MACHMACSHA1:   macHMACSHA1,
}

func (m MAC) String() string { return macNames[m] }

// SupportedAlgorithms is an explicit, per-session configuration of which
// algorithms may be negotiated in each of the four classes: tests
// restrict negotiation by constructing a SupportedAlgorithms value rather
// than mutating global state. A zero-value SupportedAlgorithms negotiates
// the full default
// set in preference order.
type SupportedAlgorithms struct {
	KEXes    []KEX
	Keys     []Key
	Ciphers  []Cipher
	MACs     []MAC
}

var defaultKEXOrder = []KEX{
	KEXCurve25519SHA256,
	KEXECDHSHA2NistP256, KEXECDHSHA2NistP384, KEXECDHSHA2NistP521,
	KEXDHGroupExchangeSHA256,
	KEXDHGroup14SHA1,
	KEXDHGroupExchangeSHA1,
	KEXDHGroup1SHA1,
}

var defaultKeyOrder = []Key{KeyEd25519, KeyECDSA256, KeyECDSA384, KeyECDSA521, KeyRSA}

var defaultCipherOrder = []Cipher{CipherAES256CTR, CipherAES128CTR, CipherAES256CBC, CipherAES128CBC}

var defaultMACOrder = []MAC{MACHMACSHA256, MACHMACSHA512, MACHMACSHA1}

func (s *SupportedAlgorithms) kexes() []KEX {
	if s == nil || len(s.KEXes) == 0 {
		return defaultKEXOrder
	}
	return s.KEXes
}

func (s *SupportedAlgorithms) keys() []Key {
	if s == nil || len(s.Keys) == 0 {
		return defaultKeyOrder
	}
	return s.Keys
}

func (s *SupportedAlgorithms) ciphers() []Cipher {
	if s == nil || len(s.Ciphers) == 0 {
		return defaultCipherOrder
	}
	return s.Ciphers
}

func (s *SupportedAlgorithms) macs() []MAC {
	if s == nil || len(s.MACs) == 0 {
		return defaultMACOrder
	}
	return s.MACs
}

func (s *SupportedAlgorithms) kexNames() []string {
	return namesOf(s.kexes(), func(k KEX) string { return k.String() })
}

func (s *SupportedAlgorithms) keyNames() []string {
	return namesOf(s.keys(), func(k Key) string { return k.String() })
}

func (s *SupportedAlgorithms) cipherNames() []string {
	return namesOf(s.ciphers(), func(c Cipher) string { return c.String() })
}

func (s *SupportedAlgorithms) macNames() []string {
	return namesOf(s.macs(), func(m MAC) string { return m.String() })
}

func namesOf[T any](xs []T, f func(T) string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = f(x)
	}
	return out
}

// CryptoConfig is cryptographic configuration common to ClientConfig and
// ServerConfig; it predates SupportedAlgorithms and is kept as a thin
// compatibility view over it.
type CryptoConfig struct {
	// The allowed key exchange algorithms. If unspecified, a default set
	// is used.
	KeyExchanges []string

	// The allowed cipher algorithms. If unspecified, the default cipher
	// list of a zero SupportedAlgorithms is used.
	Ciphers []string

	// The allowed MAC algorithms. If unspecified, the default MAC list of
	// a zero SupportedAlgorithms is used.
	MACs []string
}

func (c *CryptoConfig) ciphers() []string {
	if len(c.Ciphers) == 0 {
		return (&SupportedAlgorithms{}).cipherNames()
	}
	return c.Ciphers
}

func (c *CryptoConfig) kexes() []string {
	if len(c.KeyExchanges) == 0 {
		return (&SupportedAlgorithms{}).kexNames()
	}
	return c.KeyExchanges
}

func (c *CryptoConfig) macs() []string {
	if len(c.MACs) == 0 {
		return (&SupportedAlgorithms{}).macNames()
	}
	return c.MACs
}

// hashFuncs maps a host key / certificate algorithm name to the hash
// used in its signature scheme. The kex engines and key types in this
// package pick their hashes directly and do not consult it.
var hashFuncs = map[string]crypto.Hash{
	hostAlgoRSA:         crypto.SHA1,
	hostAlgoECDSA256:    crypto.SHA256,
	hostAlgoECDSA384:    crypto.SHA384,
	hostAlgoECDSA521:    crypto.SHA512,
	CertAlgoRSAv01:      crypto.SHA1,
	CertAlgoECDSA256v01: crypto.SHA256,
	CertAlgoECDSA384v01: crypto.SHA384,
	CertAlgoECDSA521v01: crypto.SHA512,
}

// dhGroup is a multiplicative group suitable for implementing
// Diffie-Hellman key agreement.
type dhGroup struct {
	g, p *big.Int
}

func (group *dhGroup) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if theirPublic.Sign() <= 0 || theirPublic.Cmp(group.p) >= 0 {
		return nil, errors.New("ssh: DH parameter out of bounds")
	}
	return new(big.Int).Exp(theirPublic, myPrivate, group.p), nil
}

// dhGroup1 is the group called diffie-hellman-group1-sha1 in RFC 4253 and
// Oakley Group 2 in RFC 2409.
var dhGroup1 *dhGroup
var dhGroup1Once sync.Once

func initDHGroup1() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
	dhGroup1 = &dhGroup{g: new(big.Int).SetInt64(2), p: p}
}

// dhGroup14 is the group called diffie-hellman-group14-sha1 in RFC 4253
// and Oakley Group 14 in RFC 3526.
var dhGroup14 *dhGroup
var dhGroup14Once sync.Once

func initDHGroup14() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
	dhGroup14 = &dhGroup{g: new(big.Int).SetInt64(2), p: p}
}

// supportedHostKeyAlgos is the ServerHostKeyAlgos list the client offers
// in KEXINIT: plain keys in default preference order,
// followed by their OpenSSH certificate counterparts.
var supportedHostKeyAlgos = []string{
	hostAlgoEd25519,
	hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521,
	hostAlgoRSA,
	CertAlgoRSAv01, CertAlgoECDSA256v01, CertAlgoECDSA384v01, CertAlgoECDSA521v01,
}

// supportedCompressions lists the compression methods this package
// implements. No compression algorithm is implemented, so this is
// always just "none".
var supportedCompressions = []string{compressionNone}

type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

func findCommonAlgorithm(clientAlgos []string, serverAlgos []string) (commonAlgo string, ok bool) {
	for _, clientAlgo := range clientAlgos {
		for _, serverAlgo := range serverAlgos {
			if clientAlgo == serverAlgo {
				return clientAlgo, true
			}
		}
	}
	return
}

func findCommonCipher(clientCiphers, serverCiphers []string) (string, bool) {
	for _, clientCipher := range clientCiphers {
		for _, serverCipher := range serverCiphers {
			if clientCipher == serverCipher && cipherModes[clientCipher] != nil {
				return clientCipher, true
			}
		}
	}
	return "", false
}

func findCommonMAC(clientMACs, serverMACs []string) (string, bool) {
	for _, clientMAC := range clientMACs {
		for _, serverMAC := range serverMACs {
			if clientMAC == serverMAC && macModes[clientMAC] != nil {
				return clientMAC, true
			}
		}
	}
	return "", false
}

// findAgreedAlgorithms negotiates the (kex, hostkey, cipher x2, mac x2,
// compression x2) tuple and records the agreed cipher/MAC/compression
// onto the transport's reader and writer halves.
func findAgreedAlgorithms(transport *transport, clientKexInit, serverKexInit *kexInitMsg) (kexAlgo, hostKeyAlgo string, ok bool) {
	kexAlgo, ok = findCommonAlgorithm(clientKexInit.KexAlgos, serverKexInit.KexAlgos)
	if !ok {
		return
	}
	hostKeyAlgo, ok = findCommonAlgorithm(clientKexInit.ServerHostKeyAlgos, serverKexInit.ServerHostKeyAlgos)
	if !ok {
		return
	}
	if transport.writer.cipherAlgo, ok = findCommonCipher(clientKexInit.CiphersClientServer, serverKexInit.CiphersClientServer); !ok {
		return
	}
	if transport.reader.cipherAlgo, ok = findCommonCipher(clientKexInit.CiphersServerClient, serverKexInit.CiphersServerClient); !ok {
		return
	}
	if transport.writer.macAlgo, ok = findCommonMAC(clientKexInit.MACsClientServer, serverKexInit.MACsClientServer); !ok {
		return
	}
	if transport.reader.macAlgo, ok = findCommonMAC(clientKexInit.MACsServerClient, serverKexInit.MACsServerClient); !ok {
		return
	}
	if transport.writer.compressionAlgo, ok = findCommonAlgorithm(clientKexInit.CompressionClientServer, serverKexInit.CompressionClientServer); !ok {
		return
	}
	if transport.reader.compressionAlgo, ok = findCommonAlgorithm(clientKexInit.CompressionServerClient, serverKexInit.CompressionServerClient); !ok {
		return
	}
	ok = true
	return
}

// serializeSignature serializes a signed slice according to RFC 4253 6.6.
// The name should be a key type name, rather than a cert type name.
func serializeSignature(name string, sig []byte) []byte {
	length := stringLength(len(name))
	length += stringLength(len(sig))
	ret := make([]byte, length)
	r := marshalString(ret, []byte(name))
	marshalString(r, sig)
	return ret
}

// MarshalPublicKey serializes a supported key or certificate for use by
// the SSH wire protocol. It can be used for comparison with the pubkey
// argument of ServerConfig's PublicKeyCallback as well as for generating
// an authorized_keys or host_keys file.
func MarshalPublicKey(key PublicKey) []byte {
	// Every PublicKey implementation's Marshal() already carries its own
	// algorithm-name prefix (the self-describing "public key blob" format
	// RFC 4253 section 6.6 and RFC 4251 section 5 share across the
	// host-key, userauth, and authorized_keys wire formats), so this is a
	// plain passthrough kept for callers that want the intent spelled out.
	return key.Marshal()
}

// pubAlgoToPrivAlgo returns the private key algorithm format name that
// corresponds to a given public key algorithm format name. For most
// public keys these are the same; OpenSSH certificates differ.
func pubAlgoToPrivAlgo(pubAlgo string) string {
	switch pubAlgo {
	case CertAlgoRSAv01:
		return hostAlgoRSA
	case CertAlgoECDSA256v01:
		return hostAlgoECDSA256
	case CertAlgoECDSA384v01:
		return hostAlgoECDSA384
	case CertAlgoECDSA521v01:
		return hostAlgoECDSA521
	}
	return pubAlgo
}

// buildDataSignedForAuth returns the data that is signed to prove
// possession of a private key. See RFC 4252, section 7.
func buildDataSignedForAuth(sessionId []byte, req userAuthRequestMsg, algo, pubKey []byte) []byte {
	user := []byte(req.User)
	service := []byte(req.Service)
	method := []byte(req.Method)

	length := stringLength(len(sessionId))
	length++
	length += stringLength(len(user))
	length += stringLength(len(service))
	length += stringLength(len(method))
	length++
	length += stringLength(len(algo))
	length += stringLength(len(pubKey))

	ret := make([]byte, length)
	r := marshalString(ret, sessionId)
	r[0] = msgUserAuthRequest
	r = r[1:]
	r = marshalString(r, user)
	r = marshalString(r, service)
	r = marshalString(r, method)
	r[0] = 1
	r = r[1:]
	r = marshalString(r, algo)
	marshalString(r, pubKey)
	return ret
}

// safeString sanitizes s according to RFC 4251, section 9.2: all control
// characters except tab, carriage return and newline are replaced by a
// space, so terminal escape sequences can't be smuggled through banners
// and error messages.
func safeString(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c < 0x20 && c != 0xd && c != 0xa && c != 0x9 {
			out[i] = 0x20
		}
	}
	return string(out)
}

// newCond hides the fact that there is no usable zero value for sync.Cond.
func newCond() *sync.Cond { return sync.NewCond(new(sync.Mutex)) }

// window represents the flow-control credit a
// sender may still consume before blocking on a WINDOW_ADJUST.
type window struct {
	*sync.Cond
	win    uint32
	closed bool
}

func newWindow() *window {
	return &window{Cond: newCond()}
}

// add adds win to the amount of window available for consumers. A zero
// sized window adjust is a no-op.
func (w *window) add(win uint32) bool {
	if win == 0 {
		return true
	}
	w.L.Lock()
	defer w.L.Unlock()
	if w.win+win < win {
		return false
	}
	w.win += win
	w.Broadcast()
	return true
}

// reserve reserves win from the available window capacity. If no
// capacity remains, reserve blocks until more is added or the window is
// closed; it may return less than requested.
func (w *window) reserve(win uint32) uint32 {
	w.L.Lock()
	defer w.L.Unlock()
	for w.win == 0 && !w.closed {
		w.Wait()
	}
	if w.closed {
		return 0
	}
	if w.win < win {
		win = w.win
	}
	w.win -= win
	return win
}

// close wakes any goroutine blocked in reserve so it can observe channel
// teardown instead of hanging forever on a window that will never grow
// again.
func (w *window) close() {
	w.L.Lock()
	w.closed = true
	w.Broadcast()
	w.L.Unlock()
}
