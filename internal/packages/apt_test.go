// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package packages_test

import (
	"context"
	stdtesting "testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/packages"
	"github.com/juju/redmine-provision/internal/shell/shelltest"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type aptSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&aptSuite{})

func (s *aptSuite) manager(fake *shelltest.Runner) *packages.Manager {
	return packages.NewManager(fake, clock.WallClock, config.Retry{
		Attempts: 2,
		Delay:    time.Millisecond,
	})
}

func (s *aptSuite) TestIsInstalled(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("dpkg-query",
		shelltest.Response{Code: 0, Output: "install ok installed"},
		shelltest.Response{Code: 1, Output: "no packages found matching mysql-server"},
	)

	mgr := s.manager(fake)
	ok, err := mgr.IsInstalled(context.Background(), "apache2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)

	ok, err = mgr.IsInstalled(context.Background(), "mysql-server")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *aptSuite) TestInstallSkipsPresentPackages(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("dpkg-query",
		shelltest.Response{Code: 0, Output: "install ok installed"},
	)

	failed, err := s.manager(fake).Install(context.Background(), "apache2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(failed, gc.HasLen, 0)
	c.Check(fake.CallsFor("apt-get"), gc.HasLen, 0)
}

func (s *aptSuite) TestInstallMissingPackage(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("dpkg-query",
		shelltest.Response{Code: 1},
	)
	fake.Script("apt-get",
		shelltest.Response{Code: 0},
	)

	failed, err := s.manager(fake).Install(context.Background(), "apache2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(failed, gc.HasLen, 0)

	calls := fake.CallsFor("apt-get")
	c.Assert(calls, gc.HasLen, 1)
	c.Check(calls[0].Args, jc.DeepEquals, []string{"install", "-y", "apache2"})
	c.Check(calls[0].Env, jc.DeepEquals, []string{"DEBIAN_FRONTEND=noninteractive"})
}

func (s *aptSuite) TestInstallRetriesWithDpkgRepair(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("dpkg-query", shelltest.Response{Code: 1})
	fake.Script("apt-get",
		shelltest.Response{Code: 100, Output: "could not get lock /var/lib/dpkg/lock-frontend"},
		shelltest.Response{Code: 0},
	)

	failed, err := s.manager(fake).Install(context.Background(), "apache2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(failed, gc.HasLen, 0)
	// The repair ran between the two attempts.
	c.Check(fake.CallsFor("dpkg"), gc.HasLen, 1)
	c.Check(fake.CallsFor("apt-get"), gc.HasLen, 2)
}

func (s *aptSuite) TestInstallReportsExhaustedPackages(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("dpkg-query",
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 1},
	)
	fake.Script("apt-get",
		shelltest.Response{Code: 100, Output: "Unable to locate package libmagickwand-dev"},
		shelltest.Response{Code: 100, Output: "Unable to locate package libmagickwand-dev"},
	)

	failed, err := s.manager(fake).Install(context.Background(), "libmagickwand-dev", "imagemagick")
	c.Assert(err, jc.ErrorIsNil)
	// The failure did not stop the remaining installs.
	c.Check(failed, jc.DeepEquals, []string{"libmagickwand-dev"})
	c.Check(fake.CallsFor("apt-get"), gc.HasLen, 3)
}

func (s *aptSuite) TestUpdateFailure(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("apt-get",
		shelltest.Response{Code: 100, Output: "Temporary failure resolving 'archive.ubuntu.com'"},
		shelltest.Response{Code: 100, Output: "Temporary failure resolving 'archive.ubuntu.com'"},
	)

	err := s.manager(fake).Update(context.Background())
	c.Check(err, gc.ErrorMatches, "apt-get update failed after 2 attempts: .*resolving.*")
}
