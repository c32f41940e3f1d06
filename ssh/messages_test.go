// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// mpint vectors are the RFC 4251 section 5 worked examples.
var mpintVectors = []struct {
	value string // decimal, parsed via big.Int.SetString
	wire  []byte
}{
	{"0", []byte{0x00, 0x00, 0x00, 0x00}},
	{"694531781388612263", []byte{0x00, 0x00, 0x00, 0x08, 0x09, 0xa3, 0x78, 0xf9, 0xb2, 0xe3, 0x32, 0xa7}},
	{"128", []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x80}},
	{"-4660", []byte{0x00, 0x00, 0x00, 0x02, 0xed, 0xcc}},
	{"-3735928559", []byte{0x00, 0x00, 0x00, 0x05, 0xff, 0x21, 0x52, 0x41, 0x11}},
}

func TestMarshalIntVectors(t *testing.T) {
	for _, v := range mpintVectors {
		n, ok := new(big.Int).SetString(v.value, 10)
		require.True(t, ok, "bad test vector %q", v.value)

		got := marshalInt(nil, n)
		require.Equal(t, v.wire, got, "marshalInt(%s)", v.value)
		require.Equal(t, len(v.wire), intLength(n), "intLength(%s)", v.value)
	}
}

func TestParseIntVectors(t *testing.T) {
	for _, v := range mpintVectors {
		want, _ := new(big.Int).SetString(v.value, 10)
		got, rest, ok := parseInt(v.wire)
		require.True(t, ok, "parseInt(% x) failed", v.wire)
		require.Empty(t, rest, "parseInt(% x) left trailing bytes", v.wire)
		require.Equal(t, 0, got.Cmp(want), "parseInt(% x) = %s, want %s", v.wire, got, want)
	}
}

func TestMarshalStringRoundTrip(t *testing.T) {
	cases := []string{"", "ssh-rsa", "a somewhat longer string with spaces"}
	for _, s := range cases {
		buf := make([]byte, stringLength(len(s)))
		marshalString(buf, []byte(s))
		got, rest, ok := parseString(buf)
		require.True(t, ok, "parseString(%q) failed", s)
		require.Empty(t, rest, "parseString(%q) left trailing bytes", s)
		require.Equal(t, s, string(got))
	}
}

func TestParseUint32(t *testing.T) {
	buf := appendU32(nil, 0xdeadbeef)
	got, rest, ok := parseUint32(buf)
	require.True(t, ok)
	require.Equal(t, uint32(0xdeadbeef), got)
	require.Empty(t, rest)
}
