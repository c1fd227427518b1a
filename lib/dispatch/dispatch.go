// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs named operations on fleet machines and
// decodes their replies.
//
// An operation is invoked by running a shell command on each target
// machine: the configured activation command, then the remote
// command followed by the operation name and its arguments, each
// quoted as needed. An awaited operation writes a single JSON
// document to stdout.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/experiment-suite/fleetsched/lib/session"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/experiment-suite/fleetsched/sdk/go/shellquote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Operation names.
const (
	OpGetMonitorData   = "get_monitor_data"
	OpGetXidInfo       = "get_xid_info"
	OpCreateExperiment = "create_experiment"
	OpRunWrapper       = "run_wrapper"
	OpUpdateScheduler  = "update_scheduler"
)

// A SessionSource provides the session for a machine. Implemented by
// *Pool and test stubs.
type SessionSource interface {
	Session(fleet.MachineAddress) (session.Session, error)
}

// Result is one target's outcome. Exactly one of Reply and Err is
// set for an awaited operation; only Err (if anything) is set for an
// operation that is not awaited.
type Result struct {
	Reply json.RawMessage
	Err   error
}

// A Dispatcher runs operations on machines.
type Dispatcher struct {
	sessions      SessionSource
	activate      string
	remoteCommand string
	timeout       time.Duration
	logger        logrus.FieldLogger

	mFailures *prometheus.CounterVec
	mDuration *prometheus.SummaryVec
}

// New returns a Dispatcher that reaches machines through sessions.
// A zero timeout means awaited operations have no time limit.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, sessions SessionSource, activate, remoteCommand string, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		sessions:      sessions,
		activate:      activate,
		remoteCommand: remoteCommand,
		timeout:       timeout,
		logger:        logger,
	}
	d.registerMetrics(reg)
	return d
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetsched",
		Subsystem: "dispatch",
		Name:      "failures_total",
		Help:      "Number of operations that failed on a target machine.",
	}, []string{"operation"})
	reg.MustRegister(d.mFailures)
	d.mDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "fleetsched",
		Subsystem:  "dispatch",
		Name:       "duration_seconds",
		Help:       "Time taken by awaited operations on each target machine.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"operation"})
	reg.MustRegister(d.mDuration)
}

// Command returns the shell command that runs the given operation.
func (d *Dispatcher) Command(op string, args ...string) string {
	cmd := d.remoteCommand + " " + shellquote.Join(append([]string{op}, args...)...)
	if d.activate != "" {
		cmd = d.activate + "; " + cmd
	}
	return cmd
}

// Dispatch runs op with args on each target concurrently.
//
// If waitForFinish is false, Dispatch returns as soon as the command
// has been started on every target; the returned map holds only the
// targets where it could not be started.
//
// If waitForFinish is true, Dispatch waits for every target to
// finish (or time out) and returns a Result for each. A target whose
// session cannot be established, whose command fails or times out,
// or whose output is not a JSON document gets a Result with Err set.
// Failures on one target do not affect the others.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, args []string, targets []fleet.MachineAddress, waitForFinish bool) map[fleet.MachineAddress]Result {
	cmd := d.Command(op, args...)
	results := make(map[fleet.MachineAddress]Result, len(targets))
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range targets {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.dispatchOne(ctx, op, cmd, addr, waitForFinish)
			if res.Err != nil {
				d.mFailures.WithLabelValues(op).Inc()
				d.logger.WithFields(logrus.Fields{
					"Machine":   addr,
					"Operation": op,
				}).WithError(res.Err).Warn("operation failed; machine is unavailable")
			}
			if res.Err == nil && !waitForFinish {
				return
			}
			mtx.Lock()
			results[addr] = res
			mtx.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, op, cmd string, addr fleet.MachineAddress, waitForFinish bool) Result {
	sess, err := d.sessions.Session(addr)
	if err != nil {
		return Result{Err: err}
	}
	if !waitForFinish {
		return Result{Err: sess.Start(cmd)}
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	t0 := time.Now()
	stdout, stderr, err := sess.Execute(ctx, cmd, nil)
	d.mDuration.WithLabelValues(op).Observe(time.Since(t0).Seconds())
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return Result{Err: fmt.Errorf("%s: %w (stderr: %q)", op, err, msg)}
		}
		return Result{Err: fmt.Errorf("%s: %w", op, err)}
	}
	reply := bytes.TrimSpace(stdout)
	if !json.Valid(reply) {
		return Result{Err: fmt.Errorf("%s: reply is not a JSON document: %q", op, truncate(reply, 200))}
	}
	return Result{Reply: json.RawMessage(reply)}
}

func truncate(buf []byte, n int) []byte {
	if len(buf) > n {
		return buf[:n]
	}
	return buf
}
