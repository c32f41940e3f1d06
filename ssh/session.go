// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Session represents one "session" channel (RFC 4254 section 6): the
// connection-protocol abstraction a shell, a single command, or a
// subsystem runs inside.
type Session struct {
	ch   Channel
	reqs <-chan *Request

	Stdout io.Reader
	Stderr io.Reader

	stdinPipe  io.WriteCloser
	started    bool
	exitStatus chan error
}

// NewSession opens a "session" channel on conn and returns a Session
// ready for Setenv/RequestPty/Shell/Exec/Run.
func NewSession(conn *ClientConn) (*Session, error) {
	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}
	s := &Session{ch: ch, reqs: reqs, Stdout: ch, Stderr: ch.Stderr()}
	go s.watchRequests()
	return s, nil
}

func (s *Session) watchRequests() {
	for req := range s.reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// StdinPipe returns a WriteCloser backed by the channel's write side.
func (s *Session) StdinPipe() (io.WriteCloser, error) {
	if s.stdinPipe == nil {
		s.stdinPipe = &channelStdin{ch: s.ch}
	}
	return s.stdinPipe, nil
}

type channelStdin struct{ ch Channel }

func (c *channelStdin) Write(p []byte) (int, error) { return c.ch.Write(p) }
func (c *channelStdin) Close() error                { return c.ch.CloseWrite() }

// Setenv requests that name=value be set in the remote session's
// environment (RFC 4254 section 6.4). Most servers restrict which names
// are accepted.
func (s *Session) Setenv(name, value string) error {
	payload := marshalEnvRequest(name, value)
	ok, err := s.ch.SendRequest("env", true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ssh: setenv %s failed", name)
	}
	return nil
}

func marshalEnvRequest(name, value string) []byte {
	length := stringLength(len(name)) + stringLength(len(value))
	buf := make([]byte, length)
	marshalString(marshalString(buf, []byte(name)), []byte(value))
	return buf
}

// TerminalModes is the RFC 4254 section 8 opcode/value encoding passed
// to RequestPty.
type TerminalModes map[byte]uint32

func (m TerminalModes) marshal() []byte {
	var buf bytes.Buffer
	for opcode, value := range m {
		buf.WriteByte(opcode)
		appendU32Hash(&buf, value)
	}
	buf.WriteByte(0) // TTY_OP_END
	return buf.Bytes()
}

// RequestPty requests a pseudo-terminal on the remote side (RFC 4254
// section 6.2), so a subsequent Shell or Run drives an interactive
// command instead of a plain pipe.
func (s *Session) RequestPty(term string, h, w int, modes TerminalModes) error {
	payload := marshalPtyRequest(term, w, h, modes)
	ok, err := s.ch.SendRequest("pty-req", true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ssh: pty-req failed")
	}
	return nil
}

func marshalPtyRequest(term string, w, h int, modes TerminalModes) []byte {
	modeBytes := modes.marshal()
	length := stringLength(len(term)) + 4*4 + stringLength(len(modeBytes))
	buf := make([]byte, length)
	r := marshalString(buf, []byte(term))
	r = marshalUint32(r, uint32(w))
	r = marshalUint32(r, uint32(h))
	r = marshalUint32(r, uint32(w*8))
	r = marshalUint32(r, uint32(h*8))
	marshalString(r, modeBytes)
	return buf
}

// WindowChange notifies the remote side that the local terminal was
// resized (RFC 4254 section 6.7).
func (s *Session) WindowChange(h, w int) error {
	length := 4 * 4
	buf := make([]byte, length)
	r := marshalUint32(buf, uint32(w))
	r = marshalUint32(r, uint32(h))
	r = marshalUint32(r, uint32(w*8))
	marshalUint32(r, uint32(h*8))
	_, err := s.ch.SendRequest("window-change", false, buf)
	return err
}

func (s *Session) start(req string, payload []byte) error {
	if s.started {
		return errors.New("ssh: session already started")
	}
	s.started = true
	ok, err := s.ch.SendRequest(req, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ssh: %s request failed", req)
	}
	return nil
}

// Shell starts an interactive login shell on the remote side (RFC 4254
// section 6.5).
func (s *Session) Shell() error { return s.start("shell", nil) }

// Exec starts cmd as a single command on the remote side (RFC 4254
// section 6.5).
func (s *Session) Exec(cmd string) error {
	length := stringLength(len(cmd))
	buf := make([]byte, length)
	marshalString(buf, []byte(cmd))
	return s.start("exec", buf)
}

// Subsystem starts the named subsystem, e.g. "sftp" (RFC 4254 section
// 6.5).
func (s *Session) Subsystem(name string) error {
	length := stringLength(len(name))
	buf := make([]byte, length)
	marshalString(buf, []byte(name))
	return s.start("subsystem", buf)
}

// Run is Exec followed by Wait.
func (s *Session) Run(cmd string) error {
	if err := s.Exec(cmd); err != nil {
		return err
	}
	return s.Wait()
}

// Wait blocks until the remote process exits, then returns an
// *ExitError if it exited with a non-zero status.
func (s *Session) Wait() error {
	for req := range s.reqs {
		switch req.Type {
		case "exit-status":
			status, _, ok := parseUint32(req.Payload)
			if !ok {
				return errors.New("ssh: malformed exit-status request")
			}
			if status != 0 {
				return &ExitError{Status: int(status)}
			}
			return nil
		case "exit-signal":
			return &ExitError{Status: -1, Signal: string(req.Payload)}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	return nil
}

// ExitError reports a remote command's non-zero exit status or signal
// termination.
type ExitError struct {
	Status int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("ssh: remote process terminated by signal")
	}
	return fmt.Sprintf("ssh: remote process exited with status %d", e.Status)
}

// Close closes the session channel.
func (s *Session) Close() error { return s.ch.Close() }

// SendRequest sends a channel request directly on the underlying session
// channel, for callers (e.g. the agent package's forwarding request)
// that need a request name this type doesn't wrap itself.
func (s *Session) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return s.ch.SendRequest(name, wantReply, payload)
}
