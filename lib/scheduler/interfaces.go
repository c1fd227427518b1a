// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"

	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// A RunQueue is a persisted FIFO of runs. Implemented by
// runqueue.File and test stubs.
//
// Peek returns nil if the queue is empty. Both methods must be safe
// to call again after a restart: Peek returns the same head until
// Pop succeeds.
type RunQueue interface {
	Peek() (*fleet.Run, error)
	Pop() error
}

// A Dispatcher runs operations on fleet machines. Implemented by
// dispatch.Dispatcher and test stubs.
type Dispatcher interface {
	MonitorData(ctx context.Context, targets []fleet.MachineAddress) (map[fleet.MachineAddress]fleet.ResourceSnapshot, map[fleet.MachineAddress]error)
	XidInfo(ctx context.Context, targets []fleet.MachineAddress, dataDir string, xid int64) (map[fleet.MachineAddress]fleet.XidStatusReport, map[fleet.MachineAddress]error)
	CreateExperiment(ctx context.Context, target fleet.MachineAddress, experimentsDir string, xid int64, runNum int, sourceRepo string) (string, error)
	RunWrapper(ctx context.Context, target fleet.MachineAddress, args dispatch.RunWrapperArgs) error
}

// JobGroup describes the batch of runs a scheduler is placing.
type JobGroup struct {
	XID            int64
	Machines       []fleet.MachineAddress
	SourceRepo     string
	DataDir        string
	EnvName        string
	ExperimentsDir string
}
