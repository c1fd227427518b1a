// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/experiment-suite/fleetsched/sdk/go/ctxlog"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SchedulerSuite{})

type stubQueue struct {
	runs []fleet.Run
	pops int
}

func (q *stubQueue) Peek() (*fleet.Run, error) {
	if len(q.runs) == 0 {
		return nil, nil
	}
	run := q.runs[0]
	return &run, nil
}

func (q *stubQueue) Pop() error {
	if len(q.runs) == 0 {
		return errors.New("pop on empty queue")
	}
	q.runs = q.runs[1:]
	q.pops++
	return nil
}

type createCall struct {
	target         fleet.MachineAddress
	experimentsDir string
	xid            int64
	runNum         int
	sourceRepo     string
}

type runWrapperCall struct {
	target fleet.MachineAddress
	args   dispatch.RunWrapperArgs
}

// stubDispatcher returns the current snapshots and reports for every
// cycle, and records launches.
type stubDispatcher struct {
	snapshots map[fleet.MachineAddress]fleet.ResourceSnapshot
	reports   map[fleet.MachineAddress]fleet.XidStatusReport
	// machines whose get_xid_info fails
	xidFailed map[fleet.MachineAddress]error
	// errors returned by the next CreateExperiment calls, in order
	createErrs []error

	monitorCalls int
	created      []createCall
	started      []runWrapperCall
}

func (sd *stubDispatcher) MonitorData(ctx context.Context, targets []fleet.MachineAddress) (map[fleet.MachineAddress]fleet.ResourceSnapshot, map[fleet.MachineAddress]error) {
	sd.monitorCalls++
	snaps := map[fleet.MachineAddress]fleet.ResourceSnapshot{}
	failed := map[fleet.MachineAddress]error{}
	for _, addr := range targets {
		if snap, ok := sd.snapshots[addr]; ok {
			snaps[addr] = snap
		} else {
			failed[addr] = errors.New("unreachable")
		}
	}
	return snaps, failed
}

func (sd *stubDispatcher) XidInfo(ctx context.Context, targets []fleet.MachineAddress, dataDir string, xid int64) (map[fleet.MachineAddress]fleet.XidStatusReport, map[fleet.MachineAddress]error) {
	reports := map[fleet.MachineAddress]fleet.XidStatusReport{}
	failed := map[fleet.MachineAddress]error{}
	for _, addr := range targets {
		if err, ok := sd.xidFailed[addr]; ok {
			failed[addr] = err
		} else if rep, ok := sd.reports[addr]; ok {
			reports[addr] = rep
		} else {
			reports[addr] = fleet.XidStatusReport{}
		}
	}
	return reports, failed
}

func (sd *stubDispatcher) CreateExperiment(ctx context.Context, target fleet.MachineAddress, experimentsDir string, xid int64, runNum int, sourceRepo string) (string, error) {
	if len(sd.createErrs) > 0 {
		err := sd.createErrs[0]
		sd.createErrs = sd.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	sd.created = append(sd.created, createCall{target, experimentsDir, xid, runNum, sourceRepo})
	return fmt.Sprintf("%s/%d/%d", experimentsDir, xid, runNum), nil
}

func (sd *stubDispatcher) RunWrapper(ctx context.Context, target fleet.MachineAddress, args dispatch.RunWrapperArgs) error {
	sd.started = append(sd.started, runWrapperCall{target, args})
	// The launched run shows up, not yet spun up, on the next
	// cycle.
	if sd.reports == nil {
		sd.reports = map[fleet.MachineAddress]fleet.XidStatusReport{}
	}
	if sd.reports[target] == nil {
		sd.reports[target] = fleet.XidStatusReport{}
	}
	sd.reports[target][args.RunNum] = fleet.RunStatus{SpunUp: false, Hostname: target.Host()}
	return nil
}

type SchedulerSuite struct {
	ctx   context.Context
	reg   *prometheus.Registry
	cfg   fleet.Config
	queue *stubQueue
	disp  *stubDispatcher
	group JobGroup
	// number of sleeps before the stub sleep returns an error
	maxSleeps int
	sleeps    int
	// called (if not nil) at each sleep
	onSleep func()
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger())
	s.reg = prometheus.NewRegistry()
	s.cfg = fleet.Config{}
	s.cfg.Scheduler.MinIdleCPU = 10
	s.cfg.Scheduler.WarnAfterEmptyCycles = 2
	s.cfg.Scheduler.GPUVisibilityVar = "CUDA_VISIBLE_DEVICES"
	s.cfg.Scheduler.ExtraEnvVars = "XLA_PYTHON_CLIENT_PREALLOCATE=false"
	s.queue = &stubQueue{}
	s.disp = &stubDispatcher{}
	s.group = JobGroup{
		XID:            7,
		Machines:       []fleet.MachineAddress{m1, m2},
		SourceRepo:     "https://git.example/experiments.git",
		DataDir:        "/data",
		EnvName:        "default-env",
		ExperimentsDir: "/experiments",
	}
	s.maxSleeps = 100
	s.sleeps = 0
	s.onSleep = nil
}

func (s *SchedulerSuite) newScheduler() *Scheduler {
	sch := New(s.ctx, s.queue, s.disp, s.group, &s.cfg, s.reg)
	sch.sleep = func(ctx context.Context, d time.Duration) error {
		s.sleeps++
		if s.onSleep != nil {
			s.onSleep()
		}
		if s.sleeps >= s.maxSleeps {
			return context.Canceled
		}
		return ctx.Err()
	}
	return sch
}

func (s *SchedulerSuite) run(xid int64, runNum int, ram float64, gpuRAM *float64) fleet.Run {
	return fleet.Run{
		XID:            xid,
		RunNum:         runNum,
		RequiredRAM:    ram,
		RequiredGPURAM: gpuRAM,
		PythonPath:     "src",
		EntryFile:      "train.py",
		ArgString:      fmt.Sprintf("--seed %d", runNum),
		EnvVars:        "WANDB_MODE=offline",
	}
}

func (s *SchedulerSuite) TestEmptyQueue(c *check.C) {
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(s.disp.monitorCalls, check.Equals, 0)
}

func (s *SchedulerSuite) TestLaunchCPURun(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 4, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(s.queue.runs, check.HasLen, 0)
	c.Check(s.queue.pops, check.Equals, 1)

	c.Assert(s.disp.created, check.HasLen, 1)
	c.Check(s.disp.created[0], check.Equals, createCall{m1, "/experiments", 7, 0, "https://git.example/experiments.git"})
	c.Assert(s.disp.started, check.HasLen, 1)
	c.Check(s.disp.started[0].target, check.Equals, m1)
	c.Check(s.disp.started[0].args, check.DeepEquals, dispatch.RunWrapperArgs{
		DataDir:       "/data",
		ExperimentDir: "/experiments/7/0",
		EnvName:       "default-env",
		XID:           7,
		RunNum:        0,
		PythonPath:    "src",
		EntryFile:     "train.py",
		ArgString:     "--seed 0",
		EnvVars:       "WANDB_MODE=offline XLA_PYTHON_CLIENT_PREALLOCATE=false",
	})
	c.Check(testutil.ToFloat64(sch.mRunsLaunched), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestLaunchGPURun(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 2, gpuRAM(10))}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8, 5, 12)}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Assert(s.disp.started, check.HasLen, 1)
	c.Check(s.disp.started[0].args.EnvVars, check.Equals, "WANDB_MODE=offline CUDA_VISIBLE_DEVICES=1 XLA_PYTHON_CLIENT_PREALLOCATE=false")
}

func (s *SchedulerSuite) TestRunOverridesGroupDirs(c *check.C) {
	run := s.run(7, 0, 1, nil)
	run.DataDir = "/scratch/data"
	run.EnvName = "jax-env"
	s.queue.runs = []fleet.Run{run}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	c.Check(s.newScheduler().Run(s.ctx), check.IsNil)
	c.Assert(s.disp.started, check.HasLen, 1)
	c.Check(s.disp.started[0].args.DataDir, check.Equals, "/scratch/data")
	c.Check(s.disp.started[0].args.EnvName, check.Equals, "jax-env")
}

func (s *SchedulerSuite) TestBlockedMachineExcluded(c *check.C) {
	// m2 reports that a run on node "m1" has not spun up, so m1
	// is skipped even though it has the most resources.
	s.disp.reports = map[fleet.MachineAddress]fleet.XidStatusReport{
		m2: {0: {SpunUp: false, Hostname: "m1"}},
	}
	s.queue.runs = []fleet.Run{s.run(7, 1, 4, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{
		m1: snapshot(90, 64),
		m2: snapshot(50, 8),
	}
	c.Check(s.newScheduler().Run(s.ctx), check.IsNil)
	c.Assert(s.disp.started, check.HasLen, 1)
	c.Check(s.disp.started[0].target, check.Equals, m2)
}

func (s *SchedulerSuite) TestNoReadyMachine(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 16, nil), s.run(7, 1, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{
		m1: snapshot(50, 8),
		m2: snapshot(5, 64),
	}
	s.maxSleeps = 5
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.Equals, context.Canceled)
	c.Check(s.disp.monitorCalls, check.Equals, 5)
	c.Check(s.disp.created, check.HasLen, 0)
	c.Check(s.queue.pops, check.Equals, 0)
	c.Check(s.queue.runs[0].RunNum, check.Equals, 0)
	c.Check(testutil.ToFloat64(sch.mEmptyCycles), check.Equals, float64(5))
	c.Check(testutil.ToFloat64(sch.mMachinesUnavailable), check.Equals, float64(0))
}

func (s *SchedulerSuite) TestFIFOAndSpinUpWait(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil), s.run(7, 1, 1, nil), s.run(7, 2, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{
		m1: snapshot(50, 8),
		m2: snapshot(50, 8),
	}
	// Runs spin up only after the scheduler has waited once
	// after launching them.
	s.onSleep = func() {
		for _, rep := range s.disp.reports {
			for num, st := range rep {
				st.SpunUp = true
				rep[num] = st
			}
		}
	}
	c.Check(s.newScheduler().Run(s.ctx), check.IsNil)
	c.Check(s.queue.pops, check.Equals, 3)
	c.Assert(s.disp.started, check.HasLen, 3)
	for i, call := range s.disp.started {
		c.Check(call.args.RunNum, check.Equals, i)
	}
}

func (s *SchedulerSuite) TestSpinningUpMachineBlocksNextRun(c *check.C) {
	s.group.Machines = []fleet.MachineAddress{m1}
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil), s.run(7, 1, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	s.maxSleeps = 4
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.Equals, context.Canceled)
	c.Check(s.disp.started, check.HasLen, 1)
	c.Check(s.queue.runs, check.HasLen, 1)
	c.Check(testutil.ToFloat64(sch.mMachinesBlocked), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestAlreadyLaunchedRunIsPopped(c *check.C) {
	s.disp.reports = map[fleet.MachineAddress]fleet.XidStatusReport{
		m2: {3: {SpunUp: true, Hostname: "m2"}},
	}
	s.queue.runs = []fleet.Run{s.run(7, 3, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(s.queue.pops, check.Equals, 1)
	c.Check(s.disp.created, check.HasLen, 0)
	c.Check(s.disp.started, check.HasLen, 0)
	c.Check(testutil.ToFloat64(sch.mRunsReconciled), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestXidInfoFailureDefersFirstLaunch(c *check.C) {
	s.group.Machines = []fleet.MachineAddress{m1}
	s.queue.runs = []fleet.Run{s.run(7, 1, 4, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	s.disp.xidFailed = map[fleet.MachineAddress]error{m1: errors.New("decoding reply: garbage")}
	s.maxSleeps = 3
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.Equals, context.Canceled)
	c.Check(s.disp.created, check.HasLen, 0)
	c.Check(s.disp.started, check.HasLen, 0)
	c.Check(s.queue.pops, check.Equals, 0)
	c.Check(testutil.ToFloat64(sch.mMachinesUnavailable), check.Equals, float64(1))
	c.Check(testutil.ToFloat64(sch.mEmptyCycles), check.Equals, float64(3))

	// Once m1 answers, the run is launched there.
	s.disp.xidFailed = nil
	s.sleeps = 0
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Assert(s.disp.started, check.HasLen, 1)
	c.Check(s.disp.started[0].target, check.Equals, m1)
	c.Check(testutil.ToFloat64(sch.mEmptyCycles), check.Equals, float64(0))
}

func (s *SchedulerSuite) TestXidInfoFailureRunLaunchedElsewhere(c *check.C) {
	// m2 cannot report, but m1 shows the run was launched before
	// a restart.
	s.disp.reports = map[fleet.MachineAddress]fleet.XidStatusReport{
		m1: {3: {SpunUp: true, Hostname: "m1"}},
	}
	s.disp.xidFailed = map[fleet.MachineAddress]error{m2: errors.New("unreachable")}
	s.queue.runs = []fleet.Run{s.run(7, 3, 1, nil)}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(s.queue.pops, check.Equals, 1)
	c.Check(s.disp.started, check.HasLen, 0)
	c.Check(testutil.ToFloat64(sch.mRunsReconciled), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestXidInfoFailureMakesMachineUnavailable(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil), s.run(7, 1, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{
		m1: snapshot(90, 64),
		m2: snapshot(50, 8),
	}
	// After the first launch, m1's run spins up but m1 stops
	// answering get_xid_info.
	s.onSleep = func() {
		for _, rep := range s.disp.reports {
			for num, st := range rep {
				st.SpunUp = true
				rep[num] = st
			}
		}
		s.disp.xidFailed = map[fleet.MachineAddress]error{m1: errors.New("decoding reply: garbage")}
	}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Assert(s.disp.started, check.HasLen, 2)
	c.Check(s.disp.started[0].target, check.Equals, m1)
	c.Check(s.disp.started[1].target, check.Equals, m2)
	c.Check(s.queue.pops, check.Equals, 2)
	c.Check(testutil.ToFloat64(sch.mMachinesUnavailable), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestLaunchFailureRetries(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	s.disp.createErrs = []error{errors.New("git clone failed")}
	sch := s.newScheduler()
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(s.disp.created, check.HasLen, 1)
	c.Check(s.disp.started, check.HasLen, 1)
	c.Check(s.queue.pops, check.Equals, 1)
	c.Check(s.sleeps, check.Equals, 2)
	c.Check(testutil.ToFloat64(sch.mLaunchFailures), check.Equals, float64(1))
}

func (s *SchedulerSuite) TestCancelledContext(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	c.Check(s.newScheduler().Run(ctx), check.Equals, context.Canceled)
	c.Check(s.disp.started, check.HasLen, 0)
	c.Check(s.queue.runs, check.HasLen, 1)
}

func (s *SchedulerSuite) TestCheckHealth(c *check.C) {
	s.queue.runs = []fleet.Run{s.run(7, 0, 1, nil)}
	s.disp.snapshots = map[fleet.MachineAddress]fleet.ResourceSnapshot{m1: snapshot(50, 8)}
	sch := s.newScheduler()
	c.Check(sch.CheckHealth(time.Minute), check.ErrorMatches, `no scheduling cycle has completed yet`)
	c.Check(sch.Run(s.ctx), check.IsNil)
	c.Check(sch.CheckHealth(time.Minute), check.IsNil)
	sch.lastCycle = time.Now().Add(-2 * time.Minute)
	c.Check(sch.CheckHealth(time.Minute), check.ErrorMatches, `last scheduling cycle completed 2m0s ago`)
}

func (s *SchedulerSuite) TestSleepCtx(c *check.C) {
	c.Check(sleepCtx(context.Background(), time.Millisecond), check.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Check(sleepCtx(ctx, time.Hour), check.Equals, context.Canceled)
	c.Check(sleepCtx(ctx, 0), check.Equals, context.Canceled)
}
