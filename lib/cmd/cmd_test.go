// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"version": Version("1.2.3"),
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestDashPrefix(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/bin/prog", []string{"--version"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `prog 1\.2\.3 \(go.*\)\n`)
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)^unrecognized command "nosuchcommand"\n.*echo\n.*version\n`)

	stderr.Reset()
	exited = testCmd.RunCommand("prog", nil, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)^usage: prog command \[args\]\n.*`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	var stderr bytes.Buffer
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	cfgPath := flags.String("config", "default.yml", "")
	ok, code := ParseFlags(flags, "prog", []string{"-config", "x.yml", "queue.yml"}, "queue-path", &stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*cfgPath, check.Equals, "x.yml")
	c.Check(flags.Args(), check.DeepEquals, []string{"queue.yml"})

	for _, trial := range []struct {
		args       []string
		positional string
		ok         bool
		code       int
		stderr     string
	}{
		{[]string{"extra"}, "", false, 2, `unrecognized command line arguments: \[extra\].*\n`},
		{[]string{"a", "b"}, "queue-path", false, 2, `unrecognized command line arguments: \[b\].*\n`},
		{nil, "queue-path", false, 2, `(?ms)usage: prog \[options\] queue-path\n.*`},
		{nil, "operation [args...]", false, 2, `(?ms)usage: prog \[options\] operation \[args...\]\n.*`},
		{[]string{"op", "a", "b"}, "operation [args...]", true, 0, ``},
		{[]string{"-help"}, "", false, 0, `(?ms)usage: prog \[options\] \n.*`},
		{[]string{"-bogus"}, "", false, 2, `error parsing command line arguments: .*\n`},
	} {
		stderr.Reset()
		flags = flag.NewFlagSet("", flag.ContinueOnError)
		flags.String("config", "default.yml", "")
		ok, code = ParseFlags(flags, "prog", trial.args, trial.positional, &stderr)
		comment := check.Commentf("%+v", trial)
		c.Check(ok, check.Equals, trial.ok, comment)
		c.Check(code, check.Equals, trial.code, comment)
		c.Check(stderr.String(), check.Matches, trial.stderr, comment)
	}
}
