// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/experiment-suite/fleetsched/sdk/go/shellquote"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("machine address has no host")

// SSHOptions control how an SSH session connects and runs commands.
type SSHOptions struct {
	// User to log in as when the machine address has none.
	User string

	// Port (name or number) to connect to when the machine
	// address does not specify one. Default "ssh".
	Port string

	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration

	// RemoteShell is prepended to each (quoted) command, e.g.
	// "bash -l -c", so the remote login environment is set up
	// before the command runs. Empty means the command is sent
	// as is.
	RemoteShell string

	Logger logrus.FieldLogger
}

// SSH uses a multiplexed SSH connection to execute shell commands on
// a remote machine. It reconnects automatically after errors.
//
// An SSH session must not be copied.
type SSH struct {
	addr fleet.MachineAddress
	opts SSHOptions

	client      *ssh.Client
	clientErr   error
	clientSetup chan bool // len>0 while client setup is in progress
}

// NewSSH connects to addr and returns a session. Connection and
// authentication failures are returned here, not by later calls.
func NewSSH(addr fleet.MachineAddress, opts SSHOptions) (*SSH, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	exr := &SSH{
		addr:        addr,
		opts:        opts,
		clientSetup: make(chan bool, 1),
		clientErr:   errors.New("client not yet created"),
	}
	if _, err := exr.sshClient(true); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return exr, nil
}

// Execute implements Session. If the context is canceled before the
// command finishes, the SSH channel is closed and ctx.Err() is
// returned with no output.
func (exr *SSH) Execute(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() {
		done <- session.Run(exr.wrap(cmd))
	}()
	select {
	case err = <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		// Closing the channel makes the pending Run return
		// soon; its partial output is abandoned.
		session.Close()
		return nil, nil, ctx.Err()
	}
}

// Start implements Session.
func (exr *SSH) Start(cmd string) error {
	session, err := exr.newSession()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr
	err = session.Start(exr.wrap(cmd))
	if err != nil {
		session.Close()
		return err
	}
	go func() {
		defer session.Close()
		err := session.Wait()
		if err != nil {
			exr.opts.Logger.WithFields(logrus.Fields{
				"Machine": exr.addr,
				"Command": cmd,
				"stderr":  stderr.String(),
			}).WithError(err).Warn("background command failed")
		}
	}()
	return nil
}

// Close shuts down any active connections.
func (exr *SSH) Close() error {
	exr.clientSetup <- true
	defer func() { <-exr.clientSetup }()
	var err error
	if exr.client != nil {
		err = exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	return err
}

func (exr *SSH) wrap(cmd string) string {
	if exr.opts.RemoteShell == "" {
		return cmd
	}
	return exr.opts.RemoteShell + " " + shellquote.Quote(cmd)
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *SSH) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *SSH) sshClient(create bool) (*ssh.Client, error) {
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// hostPort returns the host and port to connect to.
func (exr *SSH) hostPort() (string, string) {
	addr := exr.addr.Host()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		// Address does not specify a port. Use the
		// configured port, or "ssh".
		if h == "" {
			h = addr
		}
		if p = exr.opts.Port; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

func (exr *SSH) user() string {
	if u := exr.addr.User(); u != "" {
		return u
	}
	return exr.opts.User
}

// Create a new SSH client.
func (exr *SSH) setupSSHClient() (*ssh.Client, error) {
	h, p := exr.hostPort()
	if h == "" {
		return nil, ErrNoAddress
	}
	hostKeyCallback := exr.opts.HostKeyCallback
	if hostKeyCallback == nil {
		return nil, errors.New("no host key callback configured")
	}
	timeout := exr.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return ssh.Dial("tcp", net.JoinHostPort(h, p), &ssh.ClientConfig{
		User:            exr.user(),
		Auth:            exr.opts.Auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
}
