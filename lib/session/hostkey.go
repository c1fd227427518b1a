// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"errors"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback returns a callback that checks host keys against
// knownHostsFile. A host with no entry in the file is accepted if
// trustUnknown is true. A host whose entry does not match the
// presented key is always rejected.
//
// If knownHostsFile does not exist, every host is unknown.
func HostKeyCallback(knownHostsFile string, trustUnknown bool, logger logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	var known ssh.HostKeyCallback
	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		known = cb
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if known != nil {
			err := known(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if err == nil {
				return nil
			} else if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
		}
		if !trustUnknown {
			return errors.New("host key for " + hostname + " is not in known_hosts and TrustUnknownHosts is false")
		}
		logger.WithFields(logrus.Fields{
			"Host":        hostname,
			"Fingerprint": ssh.FingerprintSHA256(key),
		}).Debug("accepting unknown host key")
		return nil
	}, nil
}
