// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// runDir returns the directory holding a run's state.
func runDir(dataDir string, xid int64, runNum int) string {
	return filepath.Join(dataDir, strconv.FormatInt(xid, 10), strconv.Itoa(runNum))
}

// XidInfo reports the spin-up state of every run of xid found under
// dataDir. A missing xid directory yields an empty report. Run
// directories without a hostname file were not created by
// run_wrapper and are ignored.
func (ops *Ops) XidInfo(dataDir string, xid int64) (fleet.XidStatusReport, error) {
	report := fleet.XidStatusReport{}
	xidDir := filepath.Join(dataDir, strconv.FormatInt(xid, 10))
	ents, err := os.ReadDir(xidDir)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	} else if err != nil {
		return nil, err
	}
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		runNum, err := strconv.Atoi(ent.Name())
		if err != nil || runNum < 0 {
			continue
		}
		dir := filepath.Join(xidDir, ent.Name())
		hostname, err := os.ReadFile(filepath.Join(dir, HostnameFile))
		if errors.Is(err, os.ErrNotExist) {
			ops.logger.WithField("RunDir", dir).Debug("no hostname file, skipping")
			continue
		} else if err != nil {
			return nil, err
		}
		_, err = os.Stat(filepath.Join(dir, SpunUpFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking spin-up state of %s: %w", dir, err)
		}
		report[runNum] = fleet.RunStatus{
			SpunUp:   err == nil,
			Hostname: strings.TrimSpace(string(hostname)),
		}
	}
	return report, nil
}
