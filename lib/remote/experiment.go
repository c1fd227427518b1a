// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CreateExperiment provisions a copy of sourceRepo for one run at
// <experimentsDir>/<xid>/<runNum> and returns its path.
//
// If the directory already holds a clone (a previous attempt
// provisioned it but the launch did not complete) it is reused. A
// partial directory left by a failed clone is removed first.
func (ops *Ops) CreateExperiment(ctx context.Context, experimentsDir string, xid int64, runNum int, sourceRepo string) (string, error) {
	dir, err := filepath.Abs(filepath.Join(experimentsDir, strconv.FormatInt(xid, 10), strconv.Itoa(runNum)))
	if err != nil {
		return "", err
	}
	logger := ops.logger.WithFields(logrus.Fields{
		"ExperimentDir": dir,
		"SourceRepo":    sourceRepo,
	})
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		logger.Info("experiment directory already provisioned")
		return dir, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0777); err != nil {
		return "", err
	}
	git := ops.cfg.Remote.GitCommand
	if git == "" {
		git = "git"
	}
	var stderr bytes.Buffer
	// #nosec G204
	cmd := exec.CommandContext(ctx, git, "clone", "--quiet", sourceRepo, dir)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%s clone %s: %w (stderr: %q)", git, sourceRepo, err, strings.TrimSpace(stderr.String()))
	}
	logger.Info("experiment directory provisioned")
	return dir, nil
}
