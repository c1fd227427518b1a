// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/experiment-suite/fleetsched/lib/cmd"
	"github.com/experiment-suite/fleetsched/lib/config"
	"github.com/experiment-suite/fleetsched/lib/fleetcmd"
	"github.com/experiment-suite/fleetsched/lib/remote"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"update":          fleetcmd.UpdateCommand,
		"schedule":        fleetcmd.ScheduleCommand,
		"remote":          remote.Command,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
