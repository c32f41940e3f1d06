// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/massiveart/go.crypto/agent"
	"github.com/massiveart/go.crypto/ssh"
	"github.com/massiveart/go.crypto/tunnel"
)

// forwardSpec is a parsed "-L"/"-R" argument of the form
// [bind_host:]bind_port:host:hostport.
type forwardSpec struct {
	bindAddr string
	target   string
}

func parseForwardSpec(s string) (forwardSpec, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 3:
		return forwardSpec{bindAddr: "localhost:" + parts[0], target: parts[1] + ":" + parts[2]}, nil
	case 4:
		return forwardSpec{bindAddr: parts[0] + ":" + parts[1], target: parts[2] + ":" + parts[3]}, nil
	}
	return forwardSpec{}, fmt.Errorf("invalid forward spec %q", s)
}

// serveLocalForward implements "-L": listen locally, and for every
// accepted connection open a direct-tcpip channel to target and splice
// the two together.
func serveLocalForward(conn *ssh.ClientConn, spec forwardSpec) error {
	ln, err := net.Listen("tcp", spec.bindAddr)
	if err != nil {
		return fmt.Errorf("local forward listen %s: %w", spec.bindAddr, err)
	}
	go func() {
		defer ln.Close()
		for {
			local, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer local.Close()
				originHost, originPortStr, err := net.SplitHostPort(local.RemoteAddr().String())
				if err != nil {
					return
				}
				originPort, err := strconv.Atoi(originPortStr)
				if err != nil {
					return
				}
				ch, err := conn.DialTCPIP(spec.target, originHost, originPort)
				if err != nil {
					return
				}
				tunnel.Splice(tunnel.NewChannelConn(ch, nil, nil), local)
			}()
		}
	}()
	return nil
}

// serveRemoteForward implements "-R": ask the server to listen on our
// behalf, and for every forwarded-tcpip channel it hands back, dial the
// local target and splice the two together.
func serveRemoteForward(conn *ssh.ClientConn, spec forwardSpec) error {
	ln, err := conn.Listen("tcp", spec.bindAddr)
	if err != nil {
		return fmt.Errorf("remote forward %s: %w", spec.bindAddr, err)
	}
	go func() {
		defer ln.Close()
		for {
			remote, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer remote.Close()
				local, err := net.Dial("tcp", spec.target)
				if err != nil {
					return
				}
				defer local.Close()
				tunnel.Splice(remote, local)
			}()
		}
	}()
	return nil
}

// startAgentForwarding serves an in-memory keyring back to the remote host
// when "-A" is set: it holds the same identities offered for
// authentication, so a remote command can use them in turn.
func startAgentForwarding(conn *ssh.ClientConn, session *ssh.Session, signers []ssh.Signer) error {
	ring := agent.NewKeyring()
	for _, s := range signers {
		if err := ring.Add(agent.AddedKey{PrivateKey: s}); err != nil {
			return err
		}
	}
	if err := agent.RequestAgentForwarding(session); err != nil {
		return err
	}
	go agent.ForwardToRemote(conn, ring)
	return nil
}
