// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sshd is a thin front end over the ssh package: it loads a
// host key and an authorized_keys file, accepts connections, and runs
// the session requests (shell/exec/pty-req/window-change) a real
// OpenSSH server would, leaving transport, key exchange and userauth
// entirely to package ssh.
package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/massiveart/go.crypto/ssh"
)

var rootCmd = &cobra.Command{
	Use:   "sshd",
	Short: "Serve SSH connections, executing shells and commands for authorized keys",
	RunE:  serve,
}

func init() {
	rootCmd.Flags().String("listen", ":2222", "address to listen on")
	rootCmd.Flags().String("host-key", "", "path to the server's host private key (PEM)")
	rootCmd.Flags().String("authorized-keys", "", "path to an authorized_keys file")
	rootCmd.Flags().Bool("no-auth", false, "accept any client without checking credentials (tests only)")
	rootCmd.Flags().Bool("forwardTcp", false, "honor tcpip-forward requests from clients")

	viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("host-key", rootCmd.Flags().Lookup("host-key"))
	viper.BindPFlag("authorized-keys", rootCmd.Flags().Lookup("authorized-keys"))
	viper.BindPFlag("no-auth", rootCmd.Flags().Lookup("no-auth"))
	viper.BindPFlag("forwardTcp", rootCmd.Flags().Lookup("forwardTcp"))
}

func serve(cmd *cobra.Command, args []string) error {
	hostKeyPath := viper.GetString("host-key")
	if hostKeyPath == "" {
		return fmt.Errorf("--host-key is required")
	}
	pemBytes, err := os.ReadFile(hostKeyPath)
	if err != nil {
		return fmt.Errorf("reading host key: %w", err)
	}
	hostKey, err := ssh.ParsePrivateKey(pemBytes, nil)
	if err != nil {
		return fmt.Errorf("parsing host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:      viper.GetBool("no-auth"),
		AllowTCPIPForward: viper.GetBool("forwardTcp"),
	}
	config.AddHostKey(hostKey)

	if !config.NoClientAuth {
		authorized, err := loadAuthorizedKeys(viper.GetString("authorized-keys"))
		if err != nil {
			return err
		}
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, pubKey ssh.PublicKey) error {
			blob := ssh.MarshalPublicKey(pubKey)
			for _, want := range authorized {
				if bytes.Equal(blob, want) {
					return nil
				}
			}
			return fmt.Errorf("unauthorized key for user %s", conn.User())
		}
	}

	listener, err := net.Listen("tcp", viper.GetString("listen"))
	if err != nil {
		return err
	}
	defer listener.Close()
	fmt.Fprintf(os.Stderr, "sshd: listening on %s\n", listener.Addr())

	for {
		nc, err := listener.Accept()
		if err != nil {
			return err
		}
		go handleConn(nc, config)
	}
}

func loadAuthorizedKeys(path string) ([][]byte, error) {
	if path == "" {
		u, err := user.Current()
		if err != nil {
			return nil, err
		}
		path = u.HomeDir + "/.ssh/authorized_keys"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}
	var blobs [][]byte
	for len(data) > 0 {
		key, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		blobs = append(blobs, ssh.MarshalPublicKey(key))
		data = rest
	}
	return blobs, nil
}

func handleConn(nc net.Conn, config *ssh.ServerConfig) {
	defer nc.Close()
	conn, err := ssh.NewServerConn(nc, config)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		newCh, err := conn.Accept()
		if err != nil {
			return
		}
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, reqs)
	}
}

// sessionState tracks the pieces a session accumulates across requests
// before shell/exec actually starts a process.
type sessionState struct {
	ptmx    *os.File
	ptySize *pty.Winsize
	env     []string
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	state := &sessionState{}

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			ok := handlePtyReq(state, req.Payload)
			reply(req, ok)
		case "window-change":
			reply(req, handleWindowChange(state, req.Payload))
		case "env":
			reply(req, handleEnv(state, req.Payload))
		case "shell":
			runSession(ch, state, nil)
			reply(req, true)
			return
		case "exec":
			cmdline, _, ok := readString(req.Payload)
			if !ok {
				reply(req, false)
				continue
			}
			runSession(ch, state, []string{"-c", cmdline})
			reply(req, true)
			return
		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func handlePtyReq(state *sessionState, payload []byte) bool {
	term, rest, ok := readString(payload)
	if !ok {
		return false
	}
	_ = term
	w, rest, ok := readUint32(rest)
	if !ok {
		return false
	}
	h, _, ok := readUint32(rest)
	if !ok {
		return false
	}
	state.env = append(state.env, "TERM="+term)
	state.ptySize = &pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
	return true
}

func handleWindowChange(state *sessionState, payload []byte) bool {
	w, rest, ok := readUint32(payload)
	if !ok {
		return false
	}
	h, _, ok := readUint32(rest)
	if !ok {
		return false
	}
	if state.ptmx != nil {
		pty.Setsize(state.ptmx, &pty.Winsize{Rows: uint16(h), Cols: uint16(w)})
	}
	return true
}

func handleEnv(state *sessionState, payload []byte) bool {
	name, rest, ok := readString(payload)
	if !ok {
		return false
	}
	value, _, ok := readString(rest)
	if !ok {
		return false
	}
	state.env = append(state.env, name+"="+value)
	return true
}

func readString(b []byte) (string, []byte, bool) {
	if len(b) < 4 {
		return "", b, false
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	b = b[4:]
	if len(b) < n {
		return "", b, false
	}
	return string(b[:n]), b[n:], true
}

func readUint32(b []byte) (int, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3]), b[4:], true
}

func runSession(ch ssh.Channel, state *sessionState, execArgs []string) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	var cmd *exec.Cmd
	if execArgs != nil {
		cmd = exec.Command(shell, execArgs...)
	} else {
		cmd = exec.Command(shell)
	}
	cmd.Env = append(os.Environ(), state.env...)

	if state.ptySize != nil {
		ptmx, err := pty.StartWithSize(cmd, state.ptySize)
		if err != nil {
			ch.SendRequest("exit-status", false, exitStatusPayload(1))
			return
		}
		state.ptmx = ptmx
		defer ptmx.Close()
		go copyIn(ptmx, ch)
		copyOut(ch, ptmx)
		cmd.Wait()
	} else {
		stdin, _ := cmd.StdinPipe()
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		if err := cmd.Start(); err != nil {
			ch.SendRequest("exit-status", false, exitStatusPayload(1))
			return
		}
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, err := ch.Read(buf)
				if n > 0 {
					stdin.Write(buf[:n])
				}
				if err != nil {
					stdin.Close()
					return
				}
			}
		}()
		cmd.Wait()
	}

	status := 0
	if ws, ok := cmd.ProcessState.Sys().(interface{ ExitStatus() int }); ok {
		status = ws.ExitStatus()
	}
	ch.SendRequest("exit-status", false, exitStatusPayload(status))
}

func copyIn(ptmx *os.File, ch ssh.Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ptmx.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func copyOut(ch ssh.Channel, ptmx *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func exitStatusPayload(status int) []byte {
	return []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
