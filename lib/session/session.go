// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package session runs shell commands on fleet machines, either as
// local subprocesses or over long-lived SSH connections.
package session

import (
	"context"
	"io"
)

// A Session executes shell commands on one machine.
type Session interface {
	// Execute runs cmd to completion and returns its stdout and
	// stderr. A command that exits non-zero returns an error
	// (*exec.ExitError or *ssh.ExitError) along with whatever
	// output it produced. Execute does not retry.
	Execute(ctx context.Context, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	// Start starts cmd and returns without waiting for it to
	// finish. The returned error reports only failure to start;
	// the command's eventual exit status is logged.
	Start(cmd string) error

	// Close releases the session's resources.
	Close() error
}
