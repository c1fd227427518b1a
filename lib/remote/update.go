// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// UpdateScheduler runs the configured update command with bash and
// returns its combined output. It does nothing if no command is
// configured.
func (ops *Ops) UpdateScheduler(ctx context.Context) (string, error) {
	command := ops.cfg.Remote.UpdateCommand
	if command == "" {
		ops.logger.Info("Remote.UpdateCommand is empty, nothing to do")
		return "", nil
	}
	var out bytes.Buffer
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	ops.logger.WithField("Command", command).Info("updating scheduler")
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w (output: %q)", command, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
