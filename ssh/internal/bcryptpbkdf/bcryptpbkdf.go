// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bcryptpbkdf implements bcrypt_pbkdf(3), the KDF used by
// encrypted OpenSSH private keys with kdfname "bcrypt", built on the
// bcrypt hash's underlying Blowfish cipher.
package bcryptpbkdf

import (
	"crypto/sha512"
	"errors"

	"golang.org/x/crypto/blowfish"
)

const blockSize = 32

// Key derives key material of the requested length from password and
// salt using the given number of rounds, matching OpenSSH's
// bcrypt_pbkdf.c bit for bit.
func Key(password, salt []byte, rounds, keyLen int) ([]byte, error) {
	if rounds < 1 {
		return nil, errors.New("bcryptpbkdf: invalid rounds")
	}
	if len(password) == 0 {
		return nil, errors.New("bcryptpbkdf: empty password")
	}
	if len(salt) == 0 {
		return nil, errors.New("bcryptpbkdf: empty salt")
	}

	numBlocks := (keyLen + blockSize - 1) / blockSize
	out := make([]byte, numBlocks*blockSize)

	var countBuf [4]byte
	shapass := sha512.Sum512(password)

	for block := 1; block <= numBlocks; block++ {
		countBuf[0] = byte(block >> 24)
		countBuf[1] = byte(block >> 16)
		countBuf[2] = byte(block >> 8)
		countBuf[3] = byte(block)

		h := sha512.New()
		h.Write(salt)
		h.Write(countBuf[:])
		shasalt := h.Sum(nil)

		tmp := bcryptHash(shapass[:], shasalt)
		out2 := make([]byte, blockSize)
		copy(out2, tmp)

		for i := 1; i < rounds; i++ {
			h := sha512.New()
			h.Write(tmp)
			shasalt = h.Sum(nil)
			tmp = bcryptHash(shapass[:], shasalt)
			for j := range out2 {
				out2[j] ^= tmp[j]
			}
		}

		copy(out[(block-1)*blockSize:], out2)
	}

	return blockInterleave(out, keyLen, numBlocks), nil
}

// blockInterleave re-orders the per-block output bytes the way
// bcrypt_pbkdf.c does: byte i of the key comes from byte i/numBlocks of
// block i%numBlocks, so consumers requesting a key shorter than
// numBlocks*blockSize still get the same bytes OpenSSH would produce.
func blockInterleave(raw []byte, keyLen, numBlocks int) []byte {
	out := make([]byte, keyLen)
	for i := 0; i < keyLen; i++ {
		srcBlock := i % numBlocks
		srcOffset := i / numBlocks
		out[i] = raw[srcBlock*blockSize+srcOffset]
	}
	return out
}

// bcryptHash runs OpenBSD's variant of the bcrypt hash (fixed 32-byte
// "OxychromaticBlowfishSwatDynamite" magic, 64 Blowfish rounds of
// Eksblowfish key setup) over sha512Pass/sha512Salt, returning the raw
// 32-byte digest consumed by Key above.
func bcryptHash(sha512Pass, sha512Salt []byte) []byte {
	cipherBlock, err := blowfish.NewSaltedCipher(sha512Pass, sha512Salt)
	if err != nil {
		// NewSaltedCipher only errors on a short key/salt; sha512 output
		// is always 64 bytes, so this cannot happen.
		panic(err)
	}
	for i := 0; i < 64; i++ {
		blowfish.ExpandKey(sha512Salt, cipherBlock)
		blowfish.ExpandKey(sha512Pass, cipherBlock)
	}

	ctext := []byte("OxychromaticBlowfishSwatDynamite")
	for round := 0; round < 64; round++ {
		for i := 0; i < len(ctext); i += 8 {
			cipherBlock.Encrypt(ctext[i:i+8], ctext[i:i+8])
		}
	}
	// Swap bytes within each 32-bit word, as bcrypt_pbkdf.c's copy-out does.
	for i := 0; i < len(ctext); i += 4 {
		ctext[i+3], ctext[i+2], ctext[i+1], ctext[i] = ctext[i], ctext[i+1], ctext[i+2], ctext[i+3]
	}

	out := make([]byte, blockSize)
	copy(out, ctext)
	return out
}
