// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"strings"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// A Resolver turns a hostname reported by get_xid_info into the host
// part of a fleet machine address.
type Resolver struct {
	// Template is a fmt format with one %s verb, e.g.
	// "%s.cs.example.edu". If empty, the hostname is matched
	// against Machines.
	Template string
	Machines []fleet.MachineAddress
}

// Host returns the fleet host for the given reported hostname.
func (r Resolver) Host(hostname string) string {
	if r.Template != "" {
		return fmt.Sprintf(r.Template, hostname)
	}
	for _, ma := range r.Machines {
		if ma.Host() == hostname {
			return hostname
		}
	}
	for _, ma := range r.Machines {
		if shortName(ma.Host()) == hostname {
			return ma.Host()
		}
	}
	return hostname
}

func shortName(host string) string {
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return host
}

// BlockingSet returns the hosts that must not receive a new run
// because a run placed there has not finished spinning up.
//
// Each report contributes at most one host: the one named by its
// lowest-numbered run that is not spun up. The reporting machine is
// not necessarily the host it reports on.
func BlockingSet(reports map[fleet.MachineAddress]fleet.XidStatusReport, resolver Resolver) map[string]bool {
	blocking := map[string]bool{}
	for _, report := range reports {
		for _, runNum := range report.RunNums() {
			if status := report[runNum]; !status.SpunUp {
				blocking[resolver.Host(status.Hostname)] = true
				break
			}
		}
	}
	return blocking
}

// launchedBefore reports whether any machine already knows about
// run, i.e., run_wrapper has been invoked for it.
func launchedBefore(reports map[fleet.MachineAddress]fleet.XidStatusReport, run fleet.Run) bool {
	for _, report := range reports {
		if _, ok := report[run.RunNum]; ok {
			return true
		}
	}
	return false
}
