// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr instead of the stdout and stderr streams passed to a
// cmd.Handler. A remote operation's stdout is its reply, so a stray
// write there corrupts it.
//
// Call it at the start of a test and defer the returned func:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a command with its own stdout and stderr
//	}
func LeakCheck(c *check.C) func() {
	stdout, stderr := os.Stdout, os.Stderr
	tmpStdout, tmpStderr := tempFile(c), tempFile(c)
	os.Stdout, os.Stderr = tmpStdout, tmpStderr
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for name, f := range map[string]*os.File{"stdout": tmpStdout, "stderr": tmpStderr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to os.%s", name))
			f.Close()
		}
	}
}

// tempFile returns an anonymous (already unlinked) temp file.
func tempFile(c *check.C) *os.File {
	f, err := os.CreateTemp("", "leakcheck")
	c.Assert(err, check.IsNil)
	c.Assert(os.Remove(f.Name()), check.IsNil)
	return f
}
