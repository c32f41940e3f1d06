// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"errors"

	"github.com/massiveart/go.crypto/ssh"
)

var errAgentForwardingRefused = errors.New("agent: server refused forwarding request")

// channelType is the RFC 4254-style channel type OpenSSH opens back to a
// client that asked for agent forwarding (draft-miller-ssh-agent section
// 4.3 names it indirectly; the string itself comes from OpenSSH's
// PROTOCOL document).
const channelType = "auth-agent@openssh.com"

// RequestAgentForwarding asks the server on the other end of session to
// forward agent requests back over channelType (OpenSSH's
// "auth-agent-req@openssh.com" session request). The caller is also
// responsible for serving those inbound channels with ForwardToRemote on
// the ClientConn session came from.
func RequestAgentForwarding(session *ssh.Session) error {
	ok, err := session.SendRequest("auth-agent-req@openssh.com", true, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errAgentForwardingRefused
	}
	return nil
}

// ForwardToRemote registers channelType on conn and serves ag over every
// channel the remote side opens back, for the lifetime of conn. It
// returns once conn's HandleChannelOpen channel for channelType is
// closed (i.e. the connection is torn down).
func ForwardToRemote(conn *ssh.ClientConn, ag Agent) {
	channels := conn.HandleChannelOpen(channelType)
	for newCh := range channels {
		ch, reqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(reqs)
		go func(ch ssh.Channel) {
			defer ch.Close()
			ServeAgent(ag, ch)
		}(ch)
	}
}
