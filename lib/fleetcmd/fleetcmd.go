// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleetcmd implements the "update" and "schedule"
// subcommands.
package fleetcmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/experiment-suite/fleetsched/lib/cmd"
	"github.com/experiment-suite/fleetsched/lib/config"
	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/experiment-suite/fleetsched/lib/runqueue"
	"github.com/experiment-suite/fleetsched/lib/scheduler"
	"github.com/experiment-suite/fleetsched/lib/session"
	"github.com/experiment-suite/fleetsched/sdk/go/ctxlog"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/experiment-suite/fleetsched/sdk/go/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// localAddress names the local machine in update_scheduler logs and
// results.
const localAddress = fleet.MachineAddress("local")

var (
	UpdateCommand   cmd.Handler = updateCommand{}
	ScheduleCommand cmd.Handler = scheduleCommand{}
)

// setup parses flags, loads the config file, and returns a context
// carrying a logger configured by it. ok is false if the caller
// should return code.
func setup(prog string, args []string, positional string, stderr io.Writer) (ctx context.Context, cfg *fleet.Config, flags *flag.FlagSet, code int, ok bool) {
	log := ctxlog.New(stderr, "text", "info")
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", fleet.DefaultConfigFile, "configuration `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, positional, stderr); !ok {
		return nil, nil, nil, code, false
	}
	cfg, err := config.LoadFile(*configFile, log)
	if err != nil {
		log.WithError(err).Error("cannot load configuration")
		return nil, nil, nil, 1, false
	}
	logger := ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel).WithField("PID", os.Getpid())
	return ctxlog.Context(context.Background(), logger), cfg, flags, 0, true
}

type updateCommand struct{}

func (updateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, cfg, _, code, ok := setup(prog, args, "", stderr)
	if !ok {
		return code
	}
	logger := ctxlog.FromContext(ctx)
	local := &session.Local{Logger: logger}
	disp := dispatch.New(logger, nil, singleSession{local}, cfg.Dispatch.Activate, cfg.Dispatch.RemoteCommand, cfg.Dispatch.Timeout.Duration())
	out, err := disp.UpdateScheduler(ctx, localAddress)
	if err != nil {
		logger.WithError(err).Error("update failed")
		return 1
	}
	logger.WithField("Output", out).Info("update finished")
	return 0
}

// singleSession is a dispatch.SessionSource that uses the same
// session for every machine.
type singleSession struct {
	sess session.Session
}

func (ss singleSession) Session(fleet.MachineAddress) (session.Session, error) {
	return ss.sess, nil
}

type scheduleCommand struct{}

func (scheduleCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, cfg, flags, code, ok := setup(prog, args, "queue-file", stderr)
	if !ok {
		return code
	}
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	err := Schedule(ctx, cfg, flags.Arg(0), nil)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted, exiting")
		return 0
	} else if err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

// Schedule places every run in the queue file at queuePath, and
// returns when the queue is empty or ctx is done. Sessions are
// created with a session.Factory configured by cfg unless factory is
// non-nil.
func Schedule(ctx context.Context, cfg *fleet.Config, queuePath string, factory dispatch.SessionFactory) error {
	logger := ctxlog.FromContext(ctx)
	queue, err := runqueue.Open(queuePath)
	if err != nil {
		return err
	}
	defer queue.Close()

	hdr := queue.Header()
	machines := hdr.Machines
	if len(machines) == 0 {
		machines = cfg.Fleet.Machines
	}
	if len(machines) == 0 {
		return fmt.Errorf("%s lists no machines and Fleet.Machines is empty", queuePath)
	}
	if factory == nil {
		f, err := session.NewFactory(cfg, logger)
		if err != nil {
			return err
		}
		if err := f.CheckAddresses(machines); err != nil {
			return err
		}
		factory = f
	}
	pool := dispatch.NewPool(factory)
	defer pool.Close()

	logger.WithFields(logrus.Fields{
		"Queue":    queuePath,
		"XID":      hdr.XID,
		"Machines": len(machines),
		"Runs":     queue.Len(),
	}).Info("starting scheduler")
	reg := prometheus.NewRegistry()
	disp := dispatch.New(logger, reg, pool, cfg.Dispatch.Activate, cfg.Dispatch.RemoteCommand, cfg.Dispatch.Timeout.Duration())
	sch := scheduler.New(ctx, queue, disp, scheduler.JobGroup{
		XID:            hdr.XID,
		Machines:       machines,
		SourceRepo:     hdr.SourceRepo,
		DataDir:        hdr.DataDir,
		EnvName:        hdr.EnvName,
		ExperimentsDir: hdr.ExperimentsDir,
	}, cfg, reg)

	if cfg.ManagementListen != "" {
		registerProcessMetrics(reg)
		// A cycle takes at most two awaited dispatches plus a
		// launch, then a wait.
		maxAge := 3*cfg.Dispatch.Timeout.Duration() + 2*cfg.Scheduler.WaitInterval.Duration()
		if cfg.Dispatch.Timeout <= 0 {
			maxAge = 0
		}
		checks := health.Routes{
			"scheduler": func() error {
				if maxAge == 0 {
					return nil
				}
				return sch.CheckHealth(maxAge)
			},
		}
		srv, err := startManagementServer(ctx, cfg.ManagementListen, managementHandler(ctx, reg, cfg.ManagementToken, checks))
		if err != nil {
			return err
		}
		defer srv.Close()
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	return sch.Run(ctx)
}
