// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
)

// HostKeyChecker validates a server's host key during the handshake.
//
// Check is called once per connection attempt with the dial address
// exactly as passed to Dial, the resolved network address, the
// negotiated host key algorithm, and the marshalled key blob.
type HostKeyChecker interface {
	Check(dialAddr string, addr net.Addr, algo string, key []byte) error
}

// InsecureIgnoreHostKey returns a HostKeyChecker that accepts any host
// key without verification. It exists for tests and throwaway tooling;
// production clients should use KnownHosts or an equivalent policy.
func InsecureIgnoreHostKey() HostKeyChecker { return insecureHostKeyChecker{} }

type insecureHostKeyChecker struct{}

func (insecureHostKeyChecker) Check(string, net.Addr, string, []byte) error { return nil }

// FixedHostKey returns a HostKeyChecker that accepts connections only
// when the offered key marshals identically to key.
func FixedHostKey(key PublicKey) HostKeyChecker {
	return &fixedHostKeyChecker{want: MarshalPublicKey(key)}
}

type fixedHostKeyChecker struct{ want []byte }

func (f *fixedHostKeyChecker) Check(_ string, _ net.Addr, _ string, key []byte) error {
	if !bytes.Equal(key, f.want) {
		return errors.New("ssh: host key does not match pinned key")
	}
	return nil
}

// knownHostsEntry is one parsed line of a known_hosts file: "host[,host
// ...] keytype base64-blob [comment]".
type knownHostsEntry struct {
	hosts []string
	algo  string
	blob  []byte
}

func (e *knownHostsEntry) matchesHost(host string) bool {
	for _, h := range e.hosts {
		if h == host {
			return true
		}
	}
	return false
}

// KnownHosts is a HostKeyChecker backed by an OpenSSH-format known_hosts
// file, loaded once and consulted (and appended to, via Add) under a
// mutex for concurrent dials.
type KnownHosts struct {
	mu      sync.Mutex
	path    string
	entries []knownHostsEntry
}

// NewKnownHosts parses the known_hosts file at path. A missing file is
// treated as an empty host key store rather than an error, since a
// first-ever connection to any host is a normal occurrence.
func NewKnownHosts(path string) (*KnownHosts, error) {
	kh := &KnownHosts{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kh, nil
		}
		return nil, err
	}
	defer f.Close()
	entries, err := parseKnownHosts(f)
	if err != nil {
		return nil, err
	}
	kh.entries = entries
	return kh, nil
}

func parseKnownHosts(r io.Reader) ([]knownHostsEntry, error) {
	var entries []knownHostsEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			continue
		}
		entries = append(entries, knownHostsEntry{
			hosts: strings.Split(fields[0], ","),
			algo:  fields[1],
			blob:  blob,
		})
	}
	return entries, scanner.Err()
}

// Check implements HostKeyChecker. A host with no matching entry is
// rejected; a host whose stored key does not match the offered one is
// rejected with a distinct error so callers can tell "unknown host" from
// "changed host key" apart, mirroring OpenSSH's own distinction.
func (kh *KnownHosts) Check(dialAddr string, addr net.Addr, algo string, key []byte) error {
	host := hostKeyLookupName(dialAddr, addr)

	kh.mu.Lock()
	defer kh.mu.Unlock()
	var sawHost bool
	for _, e := range kh.entries {
		if !e.matchesHost(host) {
			continue
		}
		sawHost = true
		if e.algo == algo && bytes.Equal(e.blob, key) {
			return nil
		}
	}
	if sawHost {
		return fmt.Errorf("ssh: host key mismatch for %s", host)
	}
	return fmt.Errorf("ssh: unknown host key for %s", host)
}

// Add appends a new entry for host and persists it to the known_hosts
// file the receiver was loaded from, in the same append-only spirit as
// OpenSSH's own known_hosts handling.
func (kh *KnownHosts) Add(host string, algo string, key []byte) error {
	kh.mu.Lock()
	defer kh.mu.Unlock()

	line := fmt.Sprintf("%s %s %s\n", host, algo, base64.StdEncoding.EncodeToString(key))
	f, err := os.OpenFile(kh.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	kh.entries = append(kh.entries, knownHostsEntry{hosts: []string{host}, algo: algo, blob: key})
	return nil
}

func hostKeyLookupName(dialAddr string, addr net.Addr) string {
	if dialAddr != "" {
		if host, _, err := net.SplitHostPort(dialAddr); err == nil {
			return host
		}
		return dialAddr
	}
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
