// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/experiment-suite/fleetsched/lib/cmd"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/ghodss/yaml"
)

// DumpCommand prints the effective configuration (defaults plus the
// given file) as YAML.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := &plainLogger{w: stderr}
	cfg, code, ok := loadFromFlags(prog, args, stdin, stderr, log)
	if !ok {
		return code
	}
	out, err := yaml.Marshal(cfg)
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// CheckCommand exits non-zero if the configuration file is invalid
// or has entries that would be ignored.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := &plainLogger{w: stderr}
	_, code, ok := loadFromFlags(prog, args, stdin, stderr, log)
	if !ok {
		return code
	}
	if log.used {
		return 1
	}
	return 0
}

// loadFromFlags parses the -config flag and loads the named file,
// reading stdin if it is "-".
func loadFromFlags(prog string, args []string, stdin io.Reader, stderr io.Writer, log logger) (cfg *fleet.Config, code int, ok bool) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", fleet.DefaultConfigFile, "configuration `file`, or - for stdin")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return nil, code, false
	}
	var err error
	if *configFile == "-" {
		cfg, err = Load(stdin, log)
	} else {
		cfg, err = LoadFile(*configFile, log)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, 1, false
	}
	return cfg, 0, true
}

type plainLogger struct {
	w    io.Writer
	used bool
}

func (pl *plainLogger) Warnf(format string, args ...interface{}) {
	pl.used = true
	fmt.Fprintf(pl.w, format+"\n", args...)
}

// DumpDefaultsCommand prints the default configuration.
var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
