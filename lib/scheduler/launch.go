// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// launch provisions an experiment directory for run on the chosen
// machine, then starts the run there without waiting for it.
//
// If create_experiment succeeds and run_wrapper fails to start, the
// experiment directory is left behind and the next attempt creates
// it again.
func (sch *Scheduler) launch(ctx context.Context, p Placement, run fleet.Run) error {
	logger := sch.logger.WithFields(logrus.Fields{
		"Machine": p.Machine,
		"XID":     run.XID,
		"RunNum":  run.RunNum,
	})
	if p.GPU != nil {
		logger = logger.WithField("GPU", *p.GPU)
	}
	fields := logrus.Fields{"RequiredRAM": humanize.Ftoa(run.RequiredRAM)}
	if run.NeedsGPU() {
		fields["RequiredGPURAM"] = humanize.Ftoa(*run.RequiredGPURAM)
	}
	logger.WithFields(fields).Info("launching run")

	expDir, err := sch.dispatcher.CreateExperiment(ctx, p.Machine, sch.group.ExperimentsDir, run.XID, run.RunNum, sch.group.SourceRepo)
	if err != nil {
		return fmt.Errorf("creating experiment on %s: %w", p.Machine, err)
	}
	logger.WithField("ExperimentDir", expDir).Debug("experiment created")

	args := dispatch.RunWrapperArgs{
		DataDir:       firstNonEmpty(run.DataDir, sch.group.DataDir),
		ExperimentDir: expDir,
		EnvName:       firstNonEmpty(run.EnvName, sch.group.EnvName),
		XID:           run.XID,
		RunNum:        run.RunNum,
		PythonPath:    run.PythonPath,
		EntryFile:     run.EntryFile,
		ArgString:     run.ArgString,
		EnvVars:       launchEnv(run.EnvVars, sch.gpuVisibilityVar, p.GPU, sch.extraEnvVars),
	}
	if err := sch.dispatcher.RunWrapper(ctx, p.Machine, args); err != nil {
		return fmt.Errorf("starting run on %s: %w", p.Machine, err)
	}
	return nil
}

// launchEnv returns the space-separated environment assignments for
// a run: the run's own, then the GPU visibility variable (only if a
// GPU was chosen), then extra.
func launchEnv(runEnv, gpuVar string, gpu *int, extra string) string {
	var parts []string
	if s := strings.TrimSpace(runEnv); s != "" {
		parts = append(parts, s)
	}
	if gpu != nil && gpuVar != "" {
		parts = append(parts, gpuVar+"="+strconv.Itoa(*gpu))
	}
	if s := strings.TrimSpace(extra); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(s ...string) string {
	for _, s := range s {
		if s != "" {
			return s
		}
	}
	return ""
}
