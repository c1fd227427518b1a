// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"golang.org/x/sys/unix"
)

// A SelfDetector decides whether a machine address refers to the
// machine the scheduler is running on.
type SelfDetector struct {
	self     fleet.MachineAddress
	pattern  *regexp.Regexp
	hostname string
}

// NewSelfDetector returns a SelfDetector for the given fleet
// config. It fails if the config names neither an explicit self
// address nor a usable host pattern, or the local hostname cannot be
// determined.
func NewSelfDetector(cfg *fleet.Config) (*SelfDetector, error) {
	if cfg.Fleet.Self != "" {
		return &SelfDetector{self: cfg.Fleet.Self}, nil
	}
	if cfg.Fleet.SelfHostPattern == "" {
		return nil, fmt.Errorf("neither Fleet.Self nor Fleet.SelfHostPattern is configured")
	}
	pattern, err := regexp.Compile(cfg.Fleet.SelfHostPattern)
	if err != nil {
		return nil, fmt.Errorf("Fleet.SelfHostPattern: %w", err)
	}
	hostname, err := localHostname(cfg.Fleet.HostnameFile)
	if err != nil {
		return nil, fmt.Errorf("could not find local machine's hostname: %w", err)
	}
	return &SelfDetector{pattern: pattern, hostname: hostname}, nil
}

func localHostname(file string) (string, error) {
	if file != "" {
		buf, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(string(buf))
		if name == "" {
			return "", fmt.Errorf("%s is empty", file)
		}
		return name, nil
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return string(bytes.TrimRight(uts.Nodename[:], "\x00")), nil
}

// IsSelf reports whether addr is this machine. It returns an error
// if addr's host does not match the configured pattern.
func (sd *SelfDetector) IsSelf(addr fleet.MachineAddress) (bool, error) {
	if sd.self != "" {
		return addr.Host() == sd.self.Host(), nil
	}
	m := sd.pattern.FindStringSubmatch(addr.Host())
	if m == nil || len(m) < 2 {
		return false, fmt.Errorf("machine address %q does not match Fleet.SelfHostPattern %q", addr, sd.pattern)
	}
	return m[1] == sd.hostname || m[1] == shortName(sd.hostname), nil
}

// shortName returns the first label of a dotted hostname.
func shortName(host string) string {
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return host
}
