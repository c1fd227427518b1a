// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Local runs commands in a shell subprocess on this machine.
type Local struct {
	// Shell used to interpret commands. Default /bin/bash.
	Shell  string
	Logger logrus.FieldLogger
}

func (l *Local) shell() string {
	if l.Shell == "" {
		return "/bin/bash"
	}
	return l.Shell
}

// Execute implements Session.
func (l *Local) Execute(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, l.shell(), "-c", cmd)
	c.Stdin = stdin
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Start implements Session.
func (l *Local) Start(cmd string) error {
	var stderr bytes.Buffer
	c := exec.Command(l.shell(), "-c", cmd)
	c.Stderr = &stderr
	err := c.Start()
	if err != nil {
		return err
	}
	go func() {
		err := c.Wait()
		if err != nil && l.Logger != nil {
			l.Logger.WithFields(logrus.Fields{
				"Command": cmd,
				"stderr":  stderr.String(),
			}).WithError(err).Warn("background command failed")
		}
	}()
	return nil
}

// Close implements Session.
func (l *Local) Close() error {
	return nil
}
