// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package main

import "github.com/massiveart/go.crypto/ssh"

// watchWindowResize is a no-op on Windows: there is no SIGWINCH, and
// console resize notification would need a separate console API this
// client does not yet use.
func watchWindowResize(session *ssh.Session, fd int) func() {
	return func() {}
}
