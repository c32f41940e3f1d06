// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"errors"
	"fmt"
)

// ClientAuth is one authentication method a ClientConfig may offer.
// Each implementation tries exactly one RFC 4252 method name;
// ClientConfig.Auth is walked in order until one succeeds.
type ClientAuth interface {
	auth(session []byte, user string, c *ClientConn) (ok bool, methods []string, err error)
	method() string
}

// authenticate drives RFC 4252: request the ssh-userauth service, then
// walk c.config.Auth trying each method in order until one succeeds or
// the configured list is exhausted.
func (c *ClientConn) authenticate(session []byte) error {
	if err := c.writePacket(marshal(msgServiceRequest, serviceRequestMsg{Service: serviceUserAuth})); err != nil {
		return err
	}
	packet, err := c.readPacket()
	if err != nil {
		return err
	}
	var accept serviceAcceptMsg
	if err := unmarshal(&accept, packet, msgServiceAccept); err != nil {
		return err
	}

	tried := map[string]bool{}
	var lastMethods []string

	for _, auth := range c.config.Auth {
		if tried[auth.method()] {
			continue
		}
		ok, methods, err := auth.auth(session, c.config.User, c)
		if err != nil {
			return err
		}
		if ok {
			clientLogger(c.config).Info("userauth succeeded", "user", c.config.User, "method", auth.method())
			return nil
		}
		clientLogger(c.config).Debug("userauth method failed", "user", c.config.User, "method", auth.method())
		tried[auth.method()] = true
		if methods != nil {
			lastMethods = methods
		}
	}
	return fmt.Errorf("ssh: unable to authenticate, attempted methods %v, no supported methods remain: %v", keysOf(tried), lastMethods)
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// readAuthReply reads the server's answer to a userauth request: true if
// USERAUTH_SUCCESS, or false plus the methods that can still succeed on
// USERAUTH_FAILURE. A USERAUTH_BANNER in between is skipped.
func readAuthReply(c *ClientConn) (ok bool, methods []string, err error) {
	for {
		packet, err := c.readPacket()
		if err != nil {
			return false, nil, err
		}
		switch packet[0] {
		case msgUserAuthBanner:
			continue
		case msgUserAuthSuccess:
			return true, nil, nil
		case msgUserAuthFailure:
			var failure userAuthFailureMsg
			if err := unmarshal(&failure, packet, msgUserAuthFailure); err != nil {
				return false, nil, err
			}
			return false, failure.Methods, nil
		case msgUserAuthPubKeyOk:
			return false, nil, errUnexpectedPubKeyOk
		default:
			return false, nil, UnexpectedMessageError{msgUserAuthSuccess, packet[0]}
		}
	}
}

var errUnexpectedPubKeyOk = errors.New("ssh: unexpected USERAUTH_PK_OK outside publickey query phase")

// ClientAuthPassword returns a ClientAuth that authenticates with a
// plaintext password (RFC 4252 section 8).
func ClientAuthPassword(password string) ClientAuth {
	return &passwordAuth{password: password}
}

type passwordAuth struct{ password string }

func (p *passwordAuth) method() string { return "password" }

func (p *passwordAuth) auth(session []byte, user string, c *ClientConn) (bool, []string, error) {
	length := 1 + stringLength(len(p.password))
	payload := make([]byte, length)
	payload[0] = 0
	marshalString(payload[1:], []byte(p.password))

	if err := c.writePacket(marshal(msgUserAuthRequest, userAuthRequestMsg{
		User: user, Service: serviceSSH, Method: "password", Payload: payload,
	})); err != nil {
		return false, nil, err
	}
	return readAuthReply(c)
}

// ClientAuthKeyboardInteractive returns a ClientAuth that drives RFC 4256
// keyboard-interactive exchanges through cb, which is called once per
// INFO_REQUEST with the prompts the server sent and must return one
// answer per prompt.
func ClientAuthKeyboardInteractive(cb func(user, instruction string, questions []string, echos []bool) ([]string, error)) ClientAuth {
	return &keyboardInteractiveAuth{cb: cb}
}

type keyboardInteractiveAuth struct {
	cb func(user, instruction string, questions []string, echos []bool) ([]string, error)
}

func (k *keyboardInteractiveAuth) method() string { return "keyboard-interactive" }

func (k *keyboardInteractiveAuth) auth(session []byte, user string, c *ClientConn) (bool, []string, error) {
	req := userAuthRequestMsg{
		User:    user,
		Service: serviceSSH,
		Method:  "keyboard-interactive",
		Payload: marshalKeyboardInteractiveRequest(),
	}
	if err := c.writePacket(marshal(msgUserAuthRequest, req)); err != nil {
		return false, nil, err
	}

	for {
		packet, err := c.readPacket()
		if err != nil {
			return false, nil, err
		}
		switch packet[0] {
		case msgUserAuthInfoRequest:
			instruction, questions, echos, ok := parseInfoRequest(packet)
			if !ok {
				return false, nil, errors.New("ssh: invalid keyboard-interactive info request")
			}
			answers, err := k.cb(user, instruction, questions, echos)
			if err != nil {
				return false, nil, err
			}
			if len(answers) != len(questions) {
				return false, nil, errors.New("ssh: not enough answers from keyboard-interactive callback")
			}
			if err := c.writePacket(marshalInfoResponse(answers)); err != nil {
				return false, nil, err
			}
		case msgUserAuthSuccess:
			return true, nil, nil
		case msgUserAuthFailure:
			var failure userAuthFailureMsg
			if err := unmarshal(&failure, packet, msgUserAuthFailure); err != nil {
				return false, nil, err
			}
			return false, failure.Methods, nil
		default:
			return false, nil, UnexpectedMessageError{msgUserAuthInfoRequest, packet[0]}
		}
	}
}

const (
	msgUserAuthInfoRequest  = 60
	msgUserAuthInfoResponse = 61
)

// marshalKeyboardInteractiveRequest builds the keyboard-interactive
// method-specific fields of RFC 4256 section 3.1: an empty (deprecated)
// language tag followed by an empty submethods list.
func marshalKeyboardInteractiveRequest() []byte {
	length := stringLength(0) + stringLength(0)
	buf := make([]byte, length)
	marshalString(marshalString(buf, nil), nil)
	return buf
}

func parseInfoRequest(packet []byte) (instruction string, questions []string, echos []bool, ok bool) {
	rest := packet[1:]
	if _, rest, ok = parseString(rest); !ok { // request name, unused
		return
	}
	var instr []byte
	if instr, rest, ok = parseString(rest); !ok {
		return
	}
	instruction = string(instr)
	if _, rest, ok = parseString(rest); !ok { // language tag
		return
	}
	numPrompts, rest, ok := parseUint32(rest)
	if !ok {
		return
	}
	for i := uint32(0); i < numPrompts; i++ {
		var q []byte
		if q, rest, ok = parseString(rest); !ok {
			return
		}
		var echoByte byte
		if len(rest) == 0 {
			ok = false
			return
		}
		echoByte = rest[0]
		rest = rest[1:]
		questions = append(questions, string(q))
		echos = append(echos, echoByte != 0)
	}
	ok = true
	return
}

func marshalInfoResponse(answers []string) []byte {
	length := 1 + 4
	for _, a := range answers {
		length += stringLength(len(a))
	}
	buf := make([]byte, length)
	buf[0] = msgUserAuthInfoResponse
	r := marshalUint32(buf[1:], uint32(len(answers)))
	for _, a := range answers {
		r = marshalString(r, []byte(a))
	}
	return buf
}

// ClientAuthPublicKey returns a ClientAuth that authenticates by signing
// the userauth challenge with signer (RFC 4252 section 7).
func ClientAuthPublicKey(signer Signer) ClientAuth {
	return &publicKeyAuth{signer: signer}
}

type publicKeyAuth struct{ signer Signer }

func (p *publicKeyAuth) method() string { return "publickey" }

func (p *publicKeyAuth) auth(session []byte, user string, c *ClientConn) (bool, []string, error) {
	pub := p.signer.PublicKey()
	algo := pub.PrivateKeyAlgo()
	pubKeyBlob := MarshalPublicKey(pub)

	query := userAuthRequestMsg{
		User:    user,
		Service: serviceSSH,
		Method:  "publickey",
		Payload: marshalPubKeyQueryPayload(algo, pubKeyBlob),
	}
	if err := c.writePacket(marshal(msgUserAuthRequest, query)); err != nil {
		return false, nil, err
	}
	packet, err := c.readPacket()
	if err != nil {
		return false, nil, err
	}
	switch packet[0] {
	case msgUserAuthFailure:
		var failure userAuthFailureMsg
		if err := unmarshal(&failure, packet, msgUserAuthFailure); err != nil {
			return false, nil, err
		}
		return false, failure.Methods, nil
	case msgUserAuthPubKeyOk:
		// fall through to sign and send the real request
	default:
		return false, nil, UnexpectedMessageError{msgUserAuthPubKeyOk, packet[0]}
	}

	req := userAuthRequestMsg{User: user, Service: serviceSSH, Method: "publickey"}
	signData := buildDataSignedForAuth(session, req, []byte(algo), pubKeyBlob)
	sig, err := p.signer.Sign(c.config.rand(), signData)
	if err != nil {
		return false, nil, err
	}
	sigBlob := serializeSignature(algo, sig)

	req.Payload = marshalPubKeySignPayload(algo, pubKeyBlob, sigBlob)
	if err := c.writePacket(marshal(msgUserAuthRequest, req)); err != nil {
		return false, nil, err
	}
	return readAuthReply(c)
}

func marshalPubKeyQueryPayload(algo string, blob []byte) []byte {
	length := 1 + stringLength(len(algo)) + stringLength(len(blob))
	buf := make([]byte, length)
	buf[0] = 0
	r := marshalString(buf[1:], []byte(algo))
	marshalString(r, blob)
	return buf
}

func marshalPubKeySignPayload(algo string, blob, sig []byte) []byte {
	length := 1 + stringLength(len(algo)) + stringLength(len(blob)) + stringLength(len(sig))
	buf := make([]byte, length)
	buf[0] = 1
	r := marshalString(buf[1:], []byte(algo))
	r = marshalString(r, blob)
	marshalString(r, sig)
	return buf
}
