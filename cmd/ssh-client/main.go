// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ssh-client is a thin front end over the ssh package: it wires
// flags and a config file to ClientConfig/ClientAuth and runs one
// remote command or shell, leaving all protocol logic to package ssh.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/massiveart/go.crypto/ssh"
)

var rootCmd = &cobra.Command{
	Use:   "ssh-client host [command]",
	Short: "Connect to an SSH server and run a command or shell",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringP("user", "l", "", "remote username (defaults to $USER)")
	rootCmd.Flags().IntP("port", "p", 22, "remote port")
	rootCmd.Flags().StringP("identity", "i", "", "path to a private key identity file")
	rootCmd.Flags().String("known-hosts", "", "path to a known_hosts file (defaults to ~/.ssh/known_hosts)")
	rootCmd.Flags().Bool("insecure", false, "accept any host key without verification")
	rootCmd.Flags().StringP("config", "F", "", "path to a YAML config file overriding flag defaults")
	rootCmd.Flags().BoolP("agent-forward", "A", false, "forward identities to the remote session")
	rootCmd.Flags().StringArrayP("local-forward", "L", nil, "[bind_host:]bind_port:host:hostport, repeatable")
	rootCmd.Flags().StringArrayP("remote-forward", "R", nil, "[bind_host:]bind_port:host:hostport, repeatable")

	viper.BindPFlag("user", rootCmd.Flags().Lookup("user"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("identity", rootCmd.Flags().Lookup("identity"))
	viper.BindPFlag("known-hosts", rootCmd.Flags().Lookup("known-hosts"))
	viper.BindPFlag("insecure", rootCmd.Flags().Lookup("insecure"))
}

func loadConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}

	host := args[0]
	user := viper.GetString("user")
	if user == "" {
		user = os.Getenv("USER")
	}
	port := viper.GetInt("port")
	addr := fmt.Sprintf("%s:%d", host, port)

	var auths []ssh.ClientAuth
	var identitySigners []ssh.Signer
	if identity := viper.GetString("identity"); identity != "" {
		pemBytes, err := os.ReadFile(identity)
		if err != nil {
			return fmt.Errorf("reading identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes, nil)
		if err != nil {
			return fmt.Errorf("parsing identity file: %w", err)
		}
		auths = append(auths, ssh.ClientAuthPublicKey(signer))
		identitySigners = append(identitySigners, signer)
	}
	auths = append(auths, ssh.ClientAuthKeyboardInteractive(interactivePrompt))

	checker, err := hostKeyChecker()
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:           user,
		Auth:           auths,
		HostKeyChecker: checker,
	}

	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	localSpecs, _ := cmd.Flags().GetStringArray("local-forward")
	for _, s := range localSpecs {
		spec, err := parseForwardSpec(s)
		if err != nil {
			return err
		}
		if err := serveLocalForward(conn, spec); err != nil {
			return err
		}
	}
	remoteSpecs, _ := cmd.Flags().GetStringArray("remote-forward")
	for _, s := range remoteSpecs {
		spec, err := parseForwardSpec(s)
		if err != nil {
			return err
		}
		if err := serveRemoteForward(conn, spec); err != nil {
			return err
		}
	}

	session, err := ssh.NewSession(conn)
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	if agentForward, _ := cmd.Flags().GetBool("agent-forward"); agentForward {
		if err := startAgentForwarding(conn, session, identitySigners); err != nil {
			return fmt.Errorf("agent forwarding: %w", err)
		}
	}

	go io.Copy(os.Stdout, session.Stdout)
	go io.Copy(os.Stderr, session.Stderr)

	if len(args) > 1 {
		cmdline := args[1]
		for _, a := range args[2:] {
			cmdline += " " + a
		}
		return session.Run(cmdline)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		w, h, err := term.GetSize(fd)
		if err != nil {
			w, h = 80, 40
		}
		if err := session.RequestPty(os.Getenv("TERM"), h, w, ssh.TerminalModes{}); err != nil {
			return fmt.Errorf("request pty: %w", err)
		}
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(fd, oldState)
		stop := watchWindowResize(session, fd)
		defer stop()
	}

	if err := session.Shell(); err != nil {
		return err
	}
	io.Copy(stdin, os.Stdin)
	return session.Wait()
}

func hostKeyChecker() (ssh.HostKeyChecker, error) {
	if viper.GetBool("insecure") {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := viper.GetString("known-hosts")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return ssh.NewKnownHosts(path)
}

func interactivePrompt(user, instruction string, questions []string, echos []bool) ([]string, error) {
	if instruction != "" {
		fmt.Fprintln(os.Stderr, instruction)
	}
	answers := make([]string, len(questions))
	for i, q := range questions {
		fmt.Fprint(os.Stderr, q)
		if echos[i] {
			fmt.Scanln(&answers[i])
			continue
		}
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		answers[i] = string(b)
	}
	return answers, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
