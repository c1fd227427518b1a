// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

const DefaultConfigFile = "/etc/fleetsched/config.yml"

// Config is the scheduler's installation-wide configuration. Fields
// that describe one batch of runs (XID, machines, directories) live
// in the run queue file instead.
type Config struct {
	SystemLogs struct {
		LogLevel string
		Format   string
	}

	// Address (host:port) for the management HTTP server
	// (metrics and health check). Empty means disabled.
	ManagementListen string

	// Bearer token required by the management server.
	ManagementToken string

	Fleet struct {
		// Machines to use when a run queue does not list any.
		Machines []MachineAddress

		// Self, if non-empty, is this machine's address. It
		// takes precedence over SelfHostPattern.
		Self MachineAddress

		// SelfHostPattern is a regular expression with one
		// capture group. Each machine address's host is
		// matched against it, and the captured name is
		// compared to the local hostname to decide whether
		// the machine is this one.
		SelfHostPattern string

		// File holding the local hostname. If empty, uname is
		// used.
		HostnameFile string

		// HostTemplate turns a hostname reported by
		// get_xid_info into a host, e.g. "%s.example.edu". If
		// empty, the fleet entry whose host (or its first
		// label) equals the reported name is used.
		HostTemplate string
	}

	SSH struct {
		User              string
		PrivateKeyFile    string
		KnownHostsFile    string
		TrustUnknownHosts bool
		Port              string
		ConnectTimeout    Duration
		RemoteShell       string
	}

	Dispatch struct {
		// Shell command that activates the scheduler's own
		// environment before an operation runs, e.g. "source
		// ~/scheduler/venv/bin/activate". May be empty.
		Activate string

		// Command that runs a named operation, e.g.
		// "fleetsched remote".
		RemoteCommand string

		// Per-target limit on an awaited operation. A target
		// that times out is unavailable for the cycle.
		Timeout Duration
	}

	Scheduler struct {
		WaitInterval         Duration
		MinIdleCPU           float64
		WarnAfterEmptyCycles int
		GPUVisibilityVar     string
		ExtraEnvVars         string
	}

	Remote struct {
		EnvironmentsDir string
		Interpreter     string
		UpdateCommand   string
		GitCommand      string
		NvidiaSMI       string
	}
}
