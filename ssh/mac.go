// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// macMode is an entry in the MAC registry: it exposes the
// output size and a factory for a keyed hash.MAC over the session's
// integrity key.
type macMode struct {
	keySize int
	new     func(key []byte) hash.Hash
}

// macModes maps the wire name of each supported MAC algorithm to its
// macMode. Order is irrelevant here; negotiation order comes from
// SupportedAlgorithms.
var macModes = map[string]*macMode{
	macHMACSHA256: {32, func(key []byte) hash.Hash { return hmac.New(sha256.New, key) }},
	macHMACSHA512: {64, func(key []byte) hash.Hash { return hmac.New(sha512.New, key) }},
	macHMACSHA1:   {20, func(key []byte) hash.Hash { return hmac.New(sha1.New, key) }},
}
