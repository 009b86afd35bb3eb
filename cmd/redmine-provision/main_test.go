// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"
	stdtesting "testing"

	"github.com/juju/cmd/v4/cmdtesting"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type mainSuite struct{}

var _ = gc.Suite(&mainSuite{})

func (s *mainSuite) TestInstallRequiresPassword(c *gc.C) {
	_, err := cmdtesting.RunCommand(c, newInstallCommand(), "--dry-run")
	c.Assert(err, gc.ErrorMatches, "empty database password not valid")
}

func (s *mainSuite) TestInstallDryRunPrintsPlan(c *gc.C) {
	ctx, err := cmdtesting.RunCommand(c, newInstallCommand(),
		"--dry-run", "--db-password", "sekrit")
	c.Assert(err, jc.ErrorIsNil)

	out := cmdtesting.Stdout(ctx)
	c.Check(out, jc.Contains, "refresh package indexes (warn-on-failure)\n")
	c.Check(out, jc.Contains, "run database migrations (critical)\n")
	c.Check(out, jc.Contains, "verify site responds (warn-on-failure)\n")
}

func (s *mainSuite) TestInstallRejectsArguments(c *gc.C) {
	_, err := cmdtesting.RunCommand(c, newInstallCommand(), "extra")
	c.Assert(err, gc.ErrorMatches, `unrecognized args: \["extra"\]`)
}

func (s *mainSuite) TestConfigOverlay(c *gc.C) {
	path := filepath.Join(c.MkDir(), "overlay.yaml")
	err := os.WriteFile(path, []byte(`
database:
  password: fromfile
redmine:
  server-name: redmine.example.com
`), 0o600)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := loadConfig(path, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Database.Password, gc.Equals, "fromfile")
	c.Check(cfg.Redmine.ServerName, gc.Equals, "redmine.example.com")
	// Untouched defaults survive the overlay.
	c.Check(cfg.Redmine.Dir, gc.Equals, "/opt/redmine")
}

func (s *mainSuite) TestFlagOverridesConfig(c *gc.C) {
	path := filepath.Join(c.MkDir(), "overlay.yaml")
	err := os.WriteFile(path, []byte("database:\n  password: fromfile\n"), 0o600)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := loadConfig(path, "fromflag")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Database.Password, gc.Equals, "fromflag")
}

func (s *mainSuite) TestRenderUserDataToFile(c *gc.C) {
	output := filepath.Join(c.MkDir(), "user-data.yaml")
	_, err := cmdtesting.RunCommand(c, newUserDataCommand(),
		"--db-password", "sekrit", "--output", output)
	c.Assert(err, jc.ErrorIsNil)

	data, err := os.ReadFile(output)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.HasPrefix, "#cloud-config\n")
	c.Check(string(data), jc.Contains, defaultBinaryURL)
}

func (s *mainSuite) TestRenderUserDataToStdout(c *gc.C) {
	ctx, err := cmdtesting.RunCommand(c, newUserDataCommand(),
		"--db-password", "sekrit")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), jc.HasPrefix, "#cloud-config\n")
}

func (s *mainSuite) TestBootstrapValidatesAzureSettings(c *gc.C) {
	_, err := cmdtesting.RunCommand(c, newBootstrapCommand(),
		"--db-password", "sekrit")
	c.Assert(err, gc.ErrorMatches, "empty azure subscription id not valid")
}
