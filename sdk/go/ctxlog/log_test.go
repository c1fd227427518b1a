// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LogSuite{})

type LogSuite struct{}

func (s *LogSuite) TestContext(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "debug").WithField("Machine", "alice@node1")
	ctx := Context(context.Background(), logger)
	FromContext(ctx).Debug("hello")
	c.Check(buf.String(), check.Matches, `(?ms).*"Machine":"alice@node1".*"msg":"hello".*`)
}

func (s *LogSuite) TestFromContextDefault(c *check.C) {
	c.Check(FromContext(context.Background()), check.NotNil)
	c.Check(FromContext(nil), check.NotNil)
}

func (s *LogSuite) TestLevel(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "warn")
	c.Check(logger.Level, check.Equals, logrus.WarnLevel)
	logger.Info("dropped")
	c.Check(buf.Len(), check.Equals, 0)
	logger.Warn("kept")
	c.Check(buf.String(), check.Matches, `(?ms).*kept.*`)
}
