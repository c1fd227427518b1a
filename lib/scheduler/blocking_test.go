// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BlockingSuite{})

type BlockingSuite struct{}

func (*BlockingSuite) TestReportedHostIsBlocked(c *check.C) {
	reports := map[fleet.MachineAddress]fleet.XidStatusReport{
		m1: {0: {SpunUp: false, Hostname: "node3"}},
	}
	blocking := BlockingSet(reports, Resolver{Template: "%s.example"})
	c.Check(blocking, check.DeepEquals, map[string]bool{"node3.example": true})
}

func (*BlockingSuite) TestFirstPendingRunOnly(c *check.C) {
	reports := map[fleet.MachineAddress]fleet.XidStatusReport{
		m1: {
			4: {SpunUp: false, Hostname: "m3"},
			1: {SpunUp: true, Hostname: "m1"},
			2: {SpunUp: false, Hostname: "m2"},
		},
		m2: {
			0: {SpunUp: true, Hostname: "m2"},
		},
	}
	blocking := BlockingSet(reports, Resolver{Machines: []fleet.MachineAddress{m1, m2, m3}})
	c.Check(blocking, check.DeepEquals, map[string]bool{"m2.example": true})
}

func (*BlockingSuite) TestNoReports(c *check.C) {
	c.Check(BlockingSet(nil, Resolver{}), check.HasLen, 0)
}

func (*BlockingSuite) TestResolver(c *check.C) {
	r := Resolver{Machines: []fleet.MachineAddress{m1, "bob@node7"}}
	c.Check(r.Host("m1.example"), check.Equals, "m1.example")
	c.Check(r.Host("m1"), check.Equals, "m1.example")
	c.Check(r.Host("node7"), check.Equals, "node7")
	c.Check(r.Host("elsewhere"), check.Equals, "elsewhere")

	r.Template = "%s.cs.example.edu"
	c.Check(r.Host("m1"), check.Equals, "m1.cs.example.edu")
}

func (*BlockingSuite) TestLaunchedBefore(c *check.C) {
	reports := map[fleet.MachineAddress]fleet.XidStatusReport{
		m1: {3: {SpunUp: true, Hostname: "m1"}},
		m2: {},
	}
	c.Check(launchedBefore(reports, fleet.Run{RunNum: 3}), check.Equals, true)
	c.Check(launchedBefore(reports, fleet.Run{RunNum: 4}), check.Equals, false)
}
