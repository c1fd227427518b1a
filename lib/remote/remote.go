// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remote implements the operations the scheduler runs on
// fleet machines. Each operation is a subcommand of "fleetsched
// remote"; awaited operations write one JSON document to stdout and
// log to stderr.
//
// Runs of a job group keep their state under
// <data_dir>/<xid>/<run_num>/:
//
//	hostname.txt   machine the run was launched on
//	pid.txt        process ID of the run
//	spun_up.txt    created by the run once it has allocated its resources
//	stdout.txt     output of the run
//	stderr.txt
package remote

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/experiment-suite/fleetsched/lib/cmd"
	"github.com/experiment-suite/fleetsched/lib/config"
	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/experiment-suite/fleetsched/sdk/go/ctxlog"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Files in a run directory.
const (
	HostnameFile = "hostname.txt"
	PIDFile      = "pid.txt"
	SpunUpFile   = "spun_up.txt"
	StdoutFile   = "stdout.txt"
	StderrFile   = "stderr.txt"
)

// RunDirEnv is the environment variable that tells a run where its
// run directory is, so it can create SpunUpFile.
const RunDirEnv = "FLEETSCHED_RUN_DIR"

// Command is the "fleetsched remote" handler:
//
//	fleetsched remote [-config path] operation [args...]
var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", fleet.DefaultConfigFile, "configuration file `path`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "operation [args...]", stderr); !ok {
		return code
	}
	cfg, err := config.LoadFile(*configFile, logger)
	if err != nil {
		logger.WithError(err).Error("cannot load configuration")
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	return New(cfg, logger).Handler().RunCommand(prog, flags.Args(), stdin, stdout, stderr)
}

// Ops performs remote operations on this machine.
type Ops struct {
	cfg    *fleet.Config
	logger logrus.FieldLogger

	monitor  monitor
	hostname func() (string, error)
}

// New returns Ops using the Remote section of cfg.
func New(cfg *fleet.Config, logger logrus.FieldLogger) *Ops {
	return &Ops{
		cfg:    cfg,
		logger: logger,
		monitor: &hostMonitor{
			nvidiaSMI: cfg.Remote.NvidiaSMI,
			logger:    logger,
		},
		hostname: os.Hostname,
	}
}

// Handler returns a handler that runs the operation named by its
// first argument.
func (ops *Ops) Handler() cmd.Multi {
	return cmd.Multi{
		dispatch.OpGetMonitorData: ops.handler(0, func(ctx context.Context, args []string) (interface{}, error) {
			snap, err := ops.MonitorData(ctx)
			if err != nil {
				return nil, err
			}
			return snap.MonitorData(), nil
		}),
		dispatch.OpGetXidInfo: ops.handler(2, func(ctx context.Context, args []string) (interface{}, error) {
			xid, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid xid %q", args[1])
			}
			return ops.XidInfo(args[0], xid)
		}),
		dispatch.OpCreateExperiment: ops.handler(4, func(ctx context.Context, args []string) (interface{}, error) {
			xid, runNum, err := parseXIDRunNum(args[1], args[2])
			if err != nil {
				return nil, err
			}
			dir, err := ops.CreateExperiment(ctx, args[0], xid, runNum, args[3])
			if err != nil {
				return nil, err
			}
			return fleet.ExperimentReply{ExperimentDir: dir}, nil
		}),
		dispatch.OpRunWrapper: ops.handler(9, func(ctx context.Context, args []string) (interface{}, error) {
			xid, runNum, err := parseXIDRunNum(args[3], args[4])
			if err != nil {
				return nil, err
			}
			pid, err := ops.RunWrapper(dispatch.RunWrapperArgs{
				DataDir:       args[0],
				ExperimentDir: args[1],
				EnvName:       args[2],
				XID:           xid,
				RunNum:        runNum,
				PythonPath:    args[5],
				EntryFile:     args[6],
				ArgString:     args[7],
				EnvVars:       args[8],
			})
			if err != nil {
				return nil, err
			}
			return map[string]int{"pid": pid}, nil
		}),
		dispatch.OpUpdateScheduler: ops.handler(0, func(ctx context.Context, args []string) (interface{}, error) {
			out, err := ops.UpdateScheduler(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]string{"output": out}, nil
		}),
	}
}

// handler returns a cmd.Handler that checks the argument count, calls
// fn, and writes its reply to stdout as JSON.
func (ops *Ops) handler(nargs int, fn func(context.Context, []string) (interface{}, error)) cmd.Handler {
	return cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		if len(args) != nargs {
			fmt.Fprintf(stderr, "%s: expected %d arguments, got %d: %q\n", prog, nargs, len(args), args)
			return 2
		}
		reply, err := fn(context.Background(), args)
		if err != nil {
			ops.logger.WithField("Operation", prog).WithError(err).Error("operation failed")
			return 1
		}
		err = json.NewEncoder(stdout).Encode(reply)
		if err != nil {
			ops.logger.WithError(err).Error("error writing reply")
			return 1
		}
		return 0
	})
}

func parseXIDRunNum(xid, runNum string) (int64, int, error) {
	x, err := strconv.ParseInt(xid, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid xid %q", xid)
	}
	r, err := strconv.Atoi(runNum)
	if err != nil || r < 0 {
		return 0, 0, fmt.Errorf("invalid run number %q", runNum)
	}
	return x, r, nil
}
