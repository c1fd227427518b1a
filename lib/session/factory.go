// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// A Factory creates a Local session for the machine the scheduler
// runs on, and an SSH session for every other machine.
type Factory struct {
	Self   *SelfDetector
	SSH    SSHOptions
	Logger logrus.FieldLogger
}

// NewFactory returns a Factory configured by cfg.
func NewFactory(cfg *fleet.Config, logger logrus.FieldLogger) (*Factory, error) {
	self, err := NewSelfDetector(cfg)
	if err != nil {
		return nil, err
	}
	knownHostsFile := cfg.SSH.KnownHostsFile
	if knownHostsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	hostKeyCallback, err := HostKeyCallback(knownHostsFile, cfg.SSH.TrustUnknownHosts, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SSH.TrustUnknownHosts {
		logger.WithField("KnownHostsFile", knownHostsFile).Warn("SSH.TrustUnknownHosts is enabled: worker host keys not listed in known_hosts are accepted without verification")
	}
	return &Factory{
		Self: self,
		SSH: SSHOptions{
			User:            cfg.SSH.User,
			Port:            cfg.SSH.Port,
			Auth:            authMethods(cfg.SSH.PrivateKeyFile, logger),
			HostKeyCallback: hostKeyCallback,
			ConnectTimeout:  cfg.SSH.ConnectTimeout.Duration(),
			RemoteShell:     cfg.SSH.RemoteShell,
			Logger:          logger,
		},
		Logger: logger,
	}, nil
}

// CheckAddresses returns an error if the Factory cannot decide
// whether any of addrs is the local machine.
func (f *Factory) CheckAddresses(addrs []fleet.MachineAddress) error {
	for _, addr := range addrs {
		if _, err := f.Self.IsSelf(addr); err != nil {
			return err
		}
	}
	return nil
}

// New returns a session for addr, connecting to it first if it is
// not the local machine.
func (f *Factory) New(addr fleet.MachineAddress) (Session, error) {
	self, err := f.Self.IsSelf(addr)
	if err != nil {
		return nil, err
	}
	if self {
		return &Local{Logger: f.Logger.WithField("Machine", addr)}, nil
	}
	return NewSSH(addr, f.SSH)
}

// authMethods returns the configured private key (or the user's
// default keys) and, if SSH_AUTH_SOCK is set, the agent's keys.
func authMethods(keyFile string, logger logrus.FieldLogger) []ssh.AuthMethod {
	var candidates []string
	if keyFile != "" {
		candidates = []string{keyFile}
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			candidates = append(candidates, filepath.Join(home, ".ssh", name))
		}
	}
	var signers []ssh.Signer
	for _, fnm := range candidates {
		buf, err := os.ReadFile(fnm)
		if errors.Is(err, os.ErrNotExist) && keyFile == "" {
			continue
		} else if err != nil {
			logger.WithError(err).Warn("cannot read SSH private key")
			continue
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			logger.WithField("PrivateKeyFile", fnm).WithError(err).Warn("cannot use SSH private key")
			continue
		}
		signers = append(signers, signer)
	}
	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.WithError(err).Warn("cannot connect to SSH agent")
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return methods
}
