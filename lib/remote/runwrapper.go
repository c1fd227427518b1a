// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/experiment-suite/fleetsched/lib/dispatch"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// RunWrapper starts a run in the background and returns its process
// ID without waiting for it to finish.
//
// The run directory is created with a hostname file before the run
// starts, so get_xid_info reports the run (not spun up) as soon as
// RunWrapper returns. The entry file is run by the interpreter of
// the named environment, in the experiment directory, with
// PYTHONPATH set to the experiment directory's pythonpath entries,
// RunDirEnv set to the run directory, and the given environment
// assignments.
func (ops *Ops) RunWrapper(args dispatch.RunWrapperArgs) (int, error) {
	argv, err := shlex.Split(args.ArgString)
	if err != nil {
		return 0, fmt.Errorf("parsing arguments %q: %w", args.ArgString, err)
	}
	env, err := parseEnv(args.EnvVars)
	if err != nil {
		return 0, err
	}
	hostname, err := ops.hostname()
	if err != nil {
		return 0, fmt.Errorf("getting hostname: %w", err)
	}

	dir := runDir(args.DataDir, args.XID, args.RunNum)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(dir, HostnameFile), []byte(hostname+"\n"), 0666); err != nil {
		return 0, err
	}
	stdout, err := os.OpenFile(filepath.Join(dir, StdoutFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(dir, StderrFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	// #nosec G204
	cmd := exec.Command(ops.interpreter(args.EnvName), append([]string{args.EntryFile}, argv...)...)
	cmd.Dir = args.ExperimentDir
	cmd.Env = append(os.Environ(), RunDirEnv+"="+dir)
	if pp := pythonPath(args.ExperimentDir, args.PythonPath); pp != "" {
		cmd.Env = append(cmd.Env, "PYTHONPATH="+pp)
	}
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Keep running after the session that started us goes away.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("exec %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(dir, PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0666); err != nil {
		ops.logger.WithError(err).Warn("cannot write pid file")
	}
	ops.logger.WithFields(logrus.Fields{
		"XID":    args.XID,
		"RunNum": args.RunNum,
		"PID":    pid,
		"RunDir": dir,
	}).Info("run started")
	return pid, cmd.Process.Release()
}

// interpreter returns the path of the interpreter in the named
// environment.
func (ops *Ops) interpreter(envName string) string {
	interp := ops.cfg.Remote.Interpreter
	if interp == "" {
		interp = "bin/python"
	}
	if filepath.IsAbs(interp) || envName == "" {
		return interp
	}
	envsDir := ops.cfg.Remote.EnvironmentsDir
	if envsDir == "" {
		home, _ := os.UserHomeDir()
		envsDir = filepath.Join(home, "venvs")
	}
	return filepath.Join(envsDir, envName, interp)
}

// pythonPath resolves a colon-separated list of paths relative to
// the experiment directory.
func pythonPath(experimentDir, list string) string {
	var paths []string
	for _, p := range strings.Split(list, ":") {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(experimentDir, p)
		}
		paths = append(paths, p)
	}
	return strings.Join(paths, ":")
}

// parseEnv splits a string of shell-style NAME=value assignments.
func parseEnv(s string) ([]string, error) {
	words, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing environment %q: %w", s, err)
	}
	for _, w := range words {
		if i := strings.Index(w, "="); i < 1 {
			return nil, fmt.Errorf("invalid environment assignment %q", w)
		}
	}
	return words, nil
}
