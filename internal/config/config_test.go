// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	stdtesting "testing"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	yaml "gopkg.in/yaml.v2"

	"github.com/juju/redmine-provision/internal/config"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestDefaultNeedsPassword(c *gc.C) {
	cfg := config.Default()
	c.Check(cfg.Validate(), jc.ErrorIs, jujuerrors.NotValid)

	cfg.Database.Password = "sekrit"
	c.Check(cfg.Validate(), jc.ErrorIsNil)
}

func (s *configSuite) TestReadOverlay(c *gc.C) {
	path := filepath.Join(c.MkDir(), "provision.yaml")
	err := os.WriteFile(path, []byte(`
redmine:
  dir: /srv/redmine
  lang: de
database:
  password: sekrit
retries:
  bundle:
    attempts: 5
`), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := config.Read(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Redmine.Dir, gc.Equals, "/srv/redmine")
	c.Check(cfg.Redmine.Lang, gc.Equals, "de")
	// Untouched values keep their defaults.
	c.Check(cfg.Database.Name, gc.Equals, "redmine")
	c.Check(cfg.Retries.Bundle.Attempts, gc.Equals, 5)
	c.Check(cfg.Retries.Bundle.Delay, gc.Equals, 10*time.Second)
}

func (s *configSuite) TestReadParsesDelay(c *gc.C) {
	path := filepath.Join(c.MkDir(), "provision.yaml")
	err := os.WriteFile(path, []byte(`
database:
  password: sekrit
retries:
  migrate:
    delay: 30s
`), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := config.Read(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Retries.Migrate.Delay, gc.Equals, 30*time.Second)
	c.Check(cfg.Retries.Migrate.Attempts, gc.Equals, 3)
}

func (s *configSuite) TestReadRejectsBadDelay(c *gc.C) {
	path := filepath.Join(c.MkDir(), "provision.yaml")
	err := os.WriteFile(path, []byte(`
database:
  password: sekrit
retries:
  assets:
    delay: soon
`), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	_, err = config.Read(path)
	c.Check(err, gc.ErrorMatches, ".*parsing retry delay.*")
}

func (s *configSuite) TestMarshalRoundTrip(c *gc.C) {
	cfg := config.Default()
	cfg.Database.Password = "sekrit"
	data, err := yaml.Marshal(cfg)
	c.Assert(err, jc.ErrorIsNil)

	path := filepath.Join(c.MkDir(), "provision.yaml")
	c.Assert(os.WriteFile(path, data, 0o600), jc.ErrorIsNil)
	got, err := config.Read(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, cfg)
}

func (s *configSuite) TestValidateAzure(c *gc.C) {
	cfg := config.Default()
	c.Check(cfg.ValidateAzure(), jc.ErrorIs, jujuerrors.NotValid)

	cfg.Azure.SubscriptionID = "00000000-0000-0000-0000-000000000000"
	cfg.Azure.ResourceGroup = "redmine-rg"
	cfg.Azure.SSHPublicKeyPath = "/home/ubuntu/.ssh/id_ed25519.pub"
	c.Check(cfg.ValidateAzure(), jc.ErrorIsNil)
}

func (s *configSuite) TestRetryAttemptsValidated(c *gc.C) {
	cfg := config.Default()
	cfg.Database.Password = "sekrit"
	cfg.Retries.DefaultData.Attempts = 0
	c.Check(cfg.Validate(), jc.ErrorIs, jujuerrors.NotValid)
}

func (s *configSuite) TestRetryDelayValidated(c *gc.C) {
	cfg := config.Default()
	cfg.Database.Password = "sekrit"
	cfg.Retries.Bundle.Delay = 0
	err := cfg.Validate()
	c.Check(err, jc.ErrorIs, jujuerrors.NotValid)
	c.Check(err, gc.ErrorMatches, "retry delay 0s not valid")
}

func (s *configSuite) TestZeroDelayOverlayRejected(c *gc.C) {
	path := filepath.Join(c.MkDir(), "provision.yaml")
	err := os.WriteFile(path, []byte(`
database:
  password: sekrit
retries:
  migrate:
    delay: 0s
`), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	// The overlay parses, but validation rejects it before any step
	// can trip over the zero delay mid-pipeline.
	cfg, err := config.Read(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Validate(), jc.ErrorIs, jujuerrors.NotValid)
}
