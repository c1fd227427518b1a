// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("fleetsched config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*-badarg.*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("fleetsched config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*WaitInterval: 5s\n.*`)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Scheduler:
  UnknownKey: foobar
  MinIdleCPU: 25
`
	code := DumpCommand.RunCommand("fleetsched config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *MinIdleCPU: 25\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Equals, "deprecated or unknown config entry: Scheduler.UnknownKey\n")

	stdout.Reset()
	stderr.Reset()
	code = CheckCommand.RunCommand("fleetsched config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*Scheduler.UnknownKey\n`)
}

func (s *CommandSuite) TestCheckFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte("Fleet:\n  Machines: [alice@m1.example]\n"), 0666), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("fleetsched config-check", []string{"-config", path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	c.Assert(os.WriteFile(path, []byte("Fleet:\n  Machines: [m1.example]\n"), 0666), check.IsNil)
	code = CheckCommand.RunCommand("fleetsched config-check", []string{"-config", path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*invalid machine address "m1.example".*\n`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("fleetsched config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
