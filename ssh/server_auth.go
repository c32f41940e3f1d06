// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"errors"
	"fmt"
)

// authenticateServer drives the server side of RFC 4252: accept the
// ssh-userauth service request, then evaluate USERAUTH_REQUESTs against
// the configured callbacks until one succeeds.
func (s *ServerConn) authenticateServer() error {
	packet, err := s.readPacket()
	if err != nil {
		return err
	}
	var req serviceRequestMsg
	if err := unmarshal(&req, packet, msgServiceRequest); err != nil {
		return err
	}
	if req.Service != serviceUserAuth {
		return fmt.Errorf("ssh: client requested unknown service %q", req.Service)
	}
	if err := s.writePacket(marshal(msgServiceAccept, serviceAcceptMsg{Service: serviceUserAuth})); err != nil {
		return err
	}

	for {
		packet, err := s.readPacket()
		if err != nil {
			return err
		}
		var authReq userAuthRequestMsg
		if err := unmarshal(&authReq, packet, msgUserAuthRequest); err != nil {
			return err
		}
		if authReq.Service != serviceSSH {
			return fmt.Errorf("ssh: unexpected service %q in userauth request", authReq.Service)
		}
		s.user = authReq.User

		ok, err := s.tryAuthMethod(authReq)
		if err != nil {
			return err
		}
		if ok {
			return s.writePacket([]byte{msgUserAuthSuccess})
		}
		if err := s.writePacket(marshal(msgUserAuthFailure, userAuthFailureMsg{
			Methods: s.acceptableMethods(),
		})); err != nil {
			return err
		}
	}
}

func (s *ServerConn) acceptableMethods() []string {
	var methods []string
	if s.config.PasswordCallback != nil {
		methods = append(methods, "password")
	}
	if s.config.PublicKeyCallback != nil {
		methods = append(methods, "publickey")
	}
	if s.config.KeyboardInteractiveCallback != nil {
		methods = append(methods, "keyboard-interactive")
	}
	return methods
}

func (s *ServerConn) tryAuthMethod(authReq userAuthRequestMsg) (bool, error) {
	if s.config.NoClientAuth {
		return true, nil
	}

	switch authReq.Method {
	case "none":
		return false, nil
	case "password":
		return s.tryPassword(authReq)
	case "publickey":
		return s.tryPublicKey(authReq)
	case "keyboard-interactive":
		return s.tryKeyboardInteractive(authReq)
	default:
		return false, nil
	}
}

func (s *ServerConn) tryPassword(authReq userAuthRequestMsg) (bool, error) {
	if s.config.PasswordCallback == nil {
		return false, nil
	}
	payload := authReq.Payload
	if len(payload) < 1 {
		return false, errors.New("ssh: malformed password userauth request")
	}
	payload = payload[1:] // change-password flag, unsupported
	password, _, ok := parseString(payload)
	if !ok {
		return false, errors.New("ssh: malformed password userauth request")
	}
	if err := s.config.PasswordCallback(s, authReq.User, string(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *ServerConn) tryPublicKey(authReq userAuthRequestMsg) (bool, error) {
	if s.config.PublicKeyCallback == nil {
		return false, nil
	}
	payload := authReq.Payload
	if len(payload) < 1 {
		return false, errors.New("ssh: malformed publickey userauth request")
	}
	isQuery := payload[0] == 0
	payload = payload[1:]
	algo, payload, ok := parseString(payload)
	if !ok {
		return false, errors.New("ssh: malformed publickey userauth request")
	}
	pubKeyBlob, payload, ok := parseString(payload)
	if !ok {
		return false, errors.New("ssh: malformed publickey userauth request")
	}
	pubKey, ok := ParsePublicKey(pubKeyBlob)
	if !ok {
		return false, errors.New("ssh: could not parse public key")
	}

	if err := s.config.PublicKeyCallback(s, pubKey); err != nil {
		return false, nil
	}

	if isQuery {
		ok := userAuthPubKeyOkMsg{Algo: string(algo), PubKey: pubKeyBlob}
		return false, s.writePacket(marshal(msgUserAuthPubKeyOk, ok))
	}

	sigBlob, _, ok2 := parseString(payload)
	if !ok2 {
		return false, errors.New("ssh: malformed publickey userauth request")
	}
	sig, rest, ok2 := parseSignatureBody(sigBlob)
	if !ok2 || len(rest) > 0 {
		return false, errors.New("ssh: malformed publickey signature")
	}
	signedData := buildDataSignedForAuth(s.sessionID, authReq, algo, pubKeyBlob)
	if !pubKey.Verify(signedData, sig.Blob) {
		return false, errors.New("ssh: signature does not verify")
	}
	return true, nil
}

func (s *ServerConn) tryKeyboardInteractive(authReq userAuthRequestMsg) (bool, error) {
	if s.config.KeyboardInteractiveCallback == nil {
		return false, nil
	}
	challenge := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		if err := s.sendInfoRequest(instruction, questions, echos); err != nil {
			return nil, err
		}
		packet, err := s.readPacket()
		if err != nil {
			return nil, err
		}
		if len(packet) == 0 || packet[0] != msgUserAuthInfoResponse {
			return nil, UnexpectedMessageError{msgUserAuthInfoResponse, packet[0]}
		}
		return parseInfoResponse(packet, len(questions))
	}
	if err := s.config.KeyboardInteractiveCallback(s, challenge); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *ServerConn) sendInfoRequest(instruction string, questions []string, echos []bool) error {
	length := stringLength(0) + stringLength(len(instruction)) + stringLength(0) + 4
	for _, q := range questions {
		length += stringLength(len(q)) + 1
	}
	buf := make([]byte, 1+length)
	buf[0] = msgUserAuthInfoRequest
	r := marshalString(buf[1:], nil)
	r = marshalString(r, []byte(instruction))
	r = marshalString(r, nil)
	r = marshalUint32(r, uint32(len(questions)))
	for i, q := range questions {
		r = marshalString(r, []byte(q))
		if echos[i] {
			r[0] = 1
		} else {
			r[0] = 0
		}
		r = r[1:]
	}
	return s.writePacket(buf)
}

func parseInfoResponse(packet []byte, want int) ([]string, error) {
	rest := packet[1:]
	num, rest, ok := parseUint32(rest)
	if !ok || int(num) != want {
		return nil, errors.New("ssh: keyboard-interactive answer count mismatch")
	}
	answers := make([]string, num)
	for i := range answers {
		var a []byte
		a, rest, ok = parseString(rest)
		if !ok {
			return nil, errors.New("ssh: malformed keyboard-interactive response")
		}
		answers[i] = string(a)
	}
	return answers, nil
}
