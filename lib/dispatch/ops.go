// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// RunWrapperArgs are the arguments to run_wrapper, in order.
type RunWrapperArgs struct {
	DataDir       string
	ExperimentDir string
	EnvName       string
	XID           int64
	RunNum        int
	PythonPath    string
	EntryFile     string
	ArgString     string
	EnvVars       string
}

// Args returns the positional arguments.
func (rwa RunWrapperArgs) Args() []string {
	return []string{
		rwa.DataDir,
		rwa.ExperimentDir,
		rwa.EnvName,
		strconv.FormatInt(rwa.XID, 10),
		strconv.Itoa(rwa.RunNum),
		rwa.PythonPath,
		rwa.EntryFile,
		rwa.ArgString,
		rwa.EnvVars,
	}
}

// MonitorData runs get_monitor_data on targets. Targets that fail or
// reply with something other than a resource mapping are returned in
// failed instead of snapshots.
func (d *Dispatcher) MonitorData(ctx context.Context, targets []fleet.MachineAddress) (snapshots map[fleet.MachineAddress]fleet.ResourceSnapshot, failed map[fleet.MachineAddress]error) {
	snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{}
	failed = map[fleet.MachineAddress]error{}
	for addr, res := range d.Dispatch(ctx, OpGetMonitorData, nil, targets, true) {
		if res.Err != nil {
			failed[addr] = res.Err
			continue
		}
		var data map[string]float64
		if err := json.Unmarshal(res.Reply, &data); err != nil {
			failed[addr] = d.decodeError(addr, OpGetMonitorData, err)
			continue
		}
		snap, err := fleet.SnapshotFromMonitorData(data)
		if err != nil {
			failed[addr] = d.decodeError(addr, OpGetMonitorData, err)
			continue
		}
		snapshots[addr] = snap
	}
	return
}

// XidInfo runs get_xid_info on targets.
func (d *Dispatcher) XidInfo(ctx context.Context, targets []fleet.MachineAddress, dataDir string, xid int64) (reports map[fleet.MachineAddress]fleet.XidStatusReport, failed map[fleet.MachineAddress]error) {
	reports = map[fleet.MachineAddress]fleet.XidStatusReport{}
	failed = map[fleet.MachineAddress]error{}
	args := []string{dataDir, strconv.FormatInt(xid, 10)}
	for addr, res := range d.Dispatch(ctx, OpGetXidInfo, args, targets, true) {
		if res.Err != nil {
			failed[addr] = res.Err
			continue
		}
		var rep fleet.XidStatusReport
		if err := json.Unmarshal(res.Reply, &rep); err != nil {
			failed[addr] = d.decodeError(addr, OpGetXidInfo, err)
			continue
		}
		reports[addr] = rep
	}
	return
}

// CreateExperiment runs create_experiment on target and returns the
// directory it provisioned.
func (d *Dispatcher) CreateExperiment(ctx context.Context, target fleet.MachineAddress, experimentsDir string, xid int64, runNum int, sourceRepo string) (string, error) {
	args := []string{experimentsDir, strconv.FormatInt(xid, 10), strconv.Itoa(runNum), sourceRepo}
	res, ok := d.Dispatch(ctx, OpCreateExperiment, args, []fleet.MachineAddress{target}, true)[target]
	if !ok {
		return "", fmt.Errorf("%s: no result from %s", OpCreateExperiment, target)
	} else if res.Err != nil {
		return "", res.Err
	}
	var reply fleet.ExperimentReply
	if err := json.Unmarshal(res.Reply, &reply); err != nil {
		return "", d.decodeError(target, OpCreateExperiment, err)
	}
	return reply.ExperimentDir, nil
}

// RunWrapper starts run_wrapper on target without waiting for it.
func (d *Dispatcher) RunWrapper(ctx context.Context, target fleet.MachineAddress, args RunWrapperArgs) error {
	if res, ok := d.Dispatch(ctx, OpRunWrapper, args.Args(), []fleet.MachineAddress{target}, false)[target]; ok {
		return res.Err
	}
	return nil
}

// UpdateScheduler runs update_scheduler on target, waits for it, and
// returns the update command's output.
func (d *Dispatcher) UpdateScheduler(ctx context.Context, target fleet.MachineAddress) (string, error) {
	res, ok := d.Dispatch(ctx, OpUpdateScheduler, nil, []fleet.MachineAddress{target}, true)[target]
	if !ok {
		return "", fmt.Errorf("%s: no result from %s", OpUpdateScheduler, target)
	} else if res.Err != nil {
		return "", res.Err
	}
	var reply struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(res.Reply, &reply); err != nil {
		return "", d.decodeError(target, OpUpdateScheduler, err)
	}
	return reply.Output, nil
}

func (d *Dispatcher) decodeError(addr fleet.MachineAddress, op string, err error) error {
	d.mFailures.WithLabelValues(op).Inc()
	d.logger.WithField("Machine", addr).WithField("Operation", op).WithError(err).Warn("cannot decode reply; machine is unavailable")
	return fmt.Errorf("%s: decoding reply: %w", op, err)
}
