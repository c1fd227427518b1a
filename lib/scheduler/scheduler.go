// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler places queued runs on fleet machines one at a
// time, in queue order.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/experiment-suite/fleetsched/sdk/go/ctxlog"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Scheduler repeatedly takes the run at the head of a queue, waits
// until some machine can accommodate it, launches it there, and
// removes it from the queue.
//
// A machine is never given a new run while a run previously placed
// on it (in the same job group) has not finished spinning up, so
// its resource snapshot can be trusted.
type Scheduler struct {
	logger     logrus.FieldLogger
	queue      RunQueue
	dispatcher Dispatcher
	group      JobGroup
	resolver   Resolver

	waitInterval         time.Duration
	minIdleCPU           float64
	warnAfterEmptyCycles int
	gpuVisibilityVar     string
	extraEnvVars         string

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	emptyCycles int
	// reconciled is set once the head run has been checked
	// against every machine's xid report. Runs after it were
	// never launched by an earlier process.
	reconciled bool

	mtx       sync.Mutex
	lastCycle time.Time

	mRunsLaunched        prometheus.Counter
	mRunsReconciled      prometheus.Counter
	mLaunchFailures      prometheus.Counter
	mEmptyCycles         prometheus.Gauge
	mMachinesBlocked     prometheus.Gauge
	mMachinesUnavailable prometheus.Gauge
}

// New returns a Scheduler for the given job group. Only the
// Scheduler and Fleet.HostTemplate sections of cfg are used.
//
// A queue should not be used by more than one scheduler at a time.
func New(ctx context.Context, queue RunQueue, dispatcher Dispatcher, group JobGroup, cfg *fleet.Config, reg *prometheus.Registry) *Scheduler {
	sch := &Scheduler{
		logger:     ctxlog.FromContext(ctx).WithField("XID", group.XID),
		queue:      queue,
		dispatcher: dispatcher,
		group:      group,
		resolver: Resolver{
			Template: cfg.Fleet.HostTemplate,
			Machines: group.Machines,
		},
		waitInterval:         cfg.Scheduler.WaitInterval.Duration(),
		minIdleCPU:           cfg.Scheduler.MinIdleCPU,
		warnAfterEmptyCycles: cfg.Scheduler.WarnAfterEmptyCycles,
		gpuVisibilityVar:     cfg.Scheduler.GPUVisibilityVar,
		extraEnvVars:         cfg.Scheduler.ExtraEnvVars,
		sleep:                sleepCtx,
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mRunsLaunched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "runs_launched_total",
		Help:      "Number of runs started on a machine and removed from the queue.",
	})
	reg.MustRegister(sch.mRunsLaunched)
	sch.mRunsReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "runs_reconciled_total",
		Help:      "Number of runs removed from the queue without launching because a machine already reported them.",
	})
	reg.MustRegister(sch.mRunsReconciled)
	sch.mLaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "launch_failures_total",
		Help:      "Number of launch attempts that failed and left the run at the head of the queue.",
	})
	reg.MustRegister(sch.mLaunchFailures)
	sch.mEmptyCycles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "consecutive_empty_cycles",
		Help:      "Number of consecutive cycles in which no machine could accommodate the run at the head of the queue.",
	})
	reg.MustRegister(sch.mEmptyCycles)
	sch.mMachinesBlocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "machines_blocked",
		Help:      "Number of hosts waiting for a previously placed run to spin up, as of the last cycle.",
	})
	reg.MustRegister(sch.mMachinesBlocked)
	sch.mMachinesUnavailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetsched",
		Subsystem: "scheduler",
		Name:      "machines_unavailable",
		Help:      "Number of machines that did not return a resource snapshot or xid report in the last cycle.",
	})
	reg.MustRegister(sch.mMachinesUnavailable)
}

// Run places runs until the queue is empty (returning nil), the
// queue returns an error, or ctx is done (returning ctx.Err()).
func (sch *Scheduler) Run(ctx context.Context) error {
	for {
		run, err := sch.queue.Peek()
		if err != nil {
			return err
		}
		if run == nil {
			sch.logger.Info("run queue is empty")
			return nil
		}
		done, err := sch.runOnce(ctx, *run)
		if err != nil {
			return err
		}
		sch.mtx.Lock()
		sch.lastCycle = time.Now()
		sch.mtx.Unlock()
		if done {
			if err := sch.queue.Pop(); err != nil {
				return err
			}
		}
		if err := sch.sleep(ctx, sch.waitInterval); err != nil {
			return err
		}
	}
}

// runOnce makes one attempt to place run. It returns true if run
// should be removed from the queue. Failing to find a machine, or to
// launch on the one found, is not an error: the caller retries after
// waiting.
func (sch *Scheduler) runOnce(ctx context.Context, run fleet.Run) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logger := sch.logger.WithField("RunNum", run.RunNum)

	reports, xidFailed := sch.dispatcher.XidInfo(ctx, sch.group.Machines, sch.group.DataDir, sch.group.XID)
	for addr, err := range xidFailed {
		logger.WithField("Machine", addr).WithError(err).Info("get_xid_info failed, machine unavailable this cycle")
	}
	if run.XID == sch.group.XID {
		if launchedBefore(reports, run) {
			logger.Warn("run was already launched, removing it from the queue")
			sch.mRunsReconciled.Inc()
			sch.reconciled = true
			return true, nil
		}
		if !sch.reconciled && len(xidFailed) > 0 {
			// The first run may have been launched on a
			// missing machine before a restart.
			sch.mMachinesUnavailable.Set(float64(len(xidFailed)))
			sch.emptyCycle(logger.WithField("Unreachable", len(xidFailed)), "waiting for every machine's get_xid_info before launching the first run")
			return false, nil
		}
	}
	sch.reconciled = true
	blocking := BlockingSet(reports, sch.resolver)
	sch.mMachinesBlocked.Set(float64(len(blocking)))

	if err := ctx.Err(); err != nil {
		return false, err
	}
	snapshots, monFailed := sch.dispatcher.MonitorData(ctx, sch.group.Machines)
	for addr, err := range monFailed {
		logger.WithField("Machine", addr).WithError(err).Info("machine unavailable this cycle")
	}
	// A machine without an xid report might still be spinning up
	// a run, so its snapshot cannot be trusted.
	available := make(map[fleet.MachineAddress]fleet.ResourceSnapshot, len(snapshots))
	for addr, snap := range snapshots {
		if _, failed := xidFailed[addr]; !failed {
			available[addr] = snap
		}
	}
	unavailable := len(monFailed)
	for addr := range xidFailed {
		if _, ok := monFailed[addr]; !ok {
			unavailable++
		}
	}
	sch.mMachinesUnavailable.Set(float64(unavailable))

	placement, ok := Match(sch.group.Machines, available, blocking, run, sch.minIdleCPU)
	if !ok {
		sch.emptyCycle(logger.WithField("Blocked", len(blocking)), "no ready machine")
		return false, nil
	}
	sch.emptyCycles = 0
	sch.mEmptyCycles.Set(0)

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := sch.launch(ctx, placement, run); err != nil {
		logger.WithError(err).Warn("launch failed, will retry")
		sch.mLaunchFailures.Inc()
		return false, nil
	}
	logger.WithField("Placement", placement.String()).Info("run launched")
	sch.mRunsLaunched.Inc()
	return true, nil
}

// emptyCycle counts a cycle that placed nothing, and warns every
// warnAfterEmptyCycles consecutive ones.
func (sch *Scheduler) emptyCycle(logger logrus.FieldLogger, msg string) {
	sch.emptyCycles++
	sch.mEmptyCycles.Set(float64(sch.emptyCycles))
	logger.Debug(msg)
	if sch.warnAfterEmptyCycles > 0 && sch.emptyCycles%sch.warnAfterEmptyCycles == 0 {
		logger.WithField("Cycles", sch.emptyCycles).Warn("no machine has been able to accommodate the run; its requirements may exceed every machine's capacity, or machines are unreachable")
	}
}

// CheckHealth returns an error if Run has not completed a cycle in
// the last maxAge.
func (sch *Scheduler) CheckHealth(maxAge time.Duration) error {
	sch.mtx.Lock()
	last := sch.lastCycle
	sch.mtx.Unlock()
	if last.IsZero() {
		return fmt.Errorf("no scheduling cycle has completed yet")
	}
	if age := time.Since(last); age > maxAge {
		return fmt.Errorf("last scheduling cycle completed %s ago", age.Truncate(time.Second))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
