// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"log/slog"
	"os"

	"hermannm.dev/devlog"
)

// defaultLogger backs every ClientConn/ServerConn that doesn't supply its
// own Logger. It never receives key material: call sites log algorithm
// names, addresses and outcomes, never key bytes or signatures.
var defaultLogger = slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{}))

func clientLogger(c *ClientConfig) *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}

func serverLogger(c *ServerConfig) *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}
