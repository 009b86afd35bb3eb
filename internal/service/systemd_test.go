// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service_test

import (
	"context"
	stdtesting "testing"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/redmine-provision/internal/service"
	"github.com/juju/redmine-provision/internal/shell/shelltest"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type systemdSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&systemdSuite{})

func (s *systemdSuite) TestStartSkipsActiveUnit(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("systemctl",
		shelltest.Response{Code: 0}, // is-active
	)

	err := service.NewManager(fake).Start(context.Background(), "mysql")
	c.Assert(err, jc.ErrorIsNil)

	calls := fake.CallsFor("systemctl")
	c.Assert(calls, gc.HasLen, 1)
	c.Check(calls[0].Args, jc.DeepEquals, []string{"is-active", "--quiet", "mysql"})
}

func (s *systemdSuite) TestStartInactiveUnit(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("systemctl",
		shelltest.Response{Code: 3}, // is-active: inactive
		shelltest.Response{Code: 0}, // start
	)

	err := service.NewManager(fake).Start(context.Background(), "mysql")
	c.Assert(err, jc.ErrorIsNil)

	calls := fake.CallsFor("systemctl")
	c.Assert(calls, gc.HasLen, 2)
	c.Check(calls[1].Args, jc.DeepEquals, []string{"start", "mysql"})
}

func (s *systemdSuite) TestEnableSkipsEnabledUnit(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("systemctl",
		shelltest.Response{Code: 0}, // is-enabled
	)

	err := service.NewManager(fake).Enable(context.Background(), "mysql")
	c.Assert(err, jc.ErrorIsNil)

	calls := fake.CallsFor("systemctl")
	c.Assert(calls, gc.HasLen, 1)
	c.Check(calls[0].Args, jc.DeepEquals, []string{"is-enabled", "--quiet", "mysql"})
}

func (s *systemdSuite) TestEnableDisabledUnit(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("systemctl",
		shelltest.Response{Code: 1}, // is-enabled: disabled
		shelltest.Response{Code: 0}, // enable
	)

	err := service.NewManager(fake).Enable(context.Background(), "mysql")
	c.Assert(err, jc.ErrorIsNil)

	calls := fake.CallsFor("systemctl")
	c.Assert(calls, gc.HasLen, 2)
	c.Check(calls[1].Args, jc.DeepEquals, []string{"enable", "mysql"})
}

func (s *systemdSuite) TestRestartFailure(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("systemctl",
		shelltest.Response{Code: 1, Output: "Job for apache2.service failed"},
	)

	err := service.NewManager(fake).Restart(context.Background(), "apache2")
	c.Check(err, gc.ErrorMatches, "systemctl restart apache2 exited 1: Job for apache2.service failed")
}
