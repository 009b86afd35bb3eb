// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/files"
	"github.com/juju/redmine-provision/internal/mysql"
	"github.com/juju/redmine-provision/internal/service"
	"github.com/juju/redmine-provision/internal/shell"
)

func newCheckCommand() cmd.Command {
	return &checkCommand{}
}

type checkCommand struct {
	cmd.CommandBase

	configPath string
	dbPassword string
}

const checkDoc = `
Probe the state an installed machine should be in: required tools on
$PATH, mysql and apache2 active, the database present, and the
generated configuration files in place. Nothing is mutated. The
command exits non-zero when any probe fails.
`

func (c *checkCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "check",
		Purpose: "verify an installation without changing anything",
		Doc:     checkDoc,
	}
}

func (c *checkCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config overlay")
	f.StringVar(&c.dbPassword, "db-password", "", "database password (overrides config)")
}

func (c *checkCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *checkCommand) Run(ctx *cmd.Context) error {
	cfg, err := loadConfig(c.configPath, c.dbPassword)
	if err != nil {
		return errors.Trace(err)
	}

	runner := shell.NewRunner()
	services := service.NewManager(runner)
	db := mysql.NewClient(runner, clock.WallClock, cfg.Database, config.Retry{
		Attempts: 1,
		Delay:    time.Second,
	})

	probes := []struct {
		name  string
		probe func(ctx context.Context) (bool, error)
	}{
		{"mysql client on $PATH", func(context.Context) (bool, error) {
			return runner.LookPath("mysql"), nil
		}},
		{"mysql service active", func(ctx context.Context) (bool, error) {
			return services.IsActive(ctx, "mysql")
		}},
		{"apache2 service active", func(ctx context.Context) (bool, error) {
			return services.IsActive(ctx, "apache2")
		}},
		{"database exists", db.DatabaseExists},
		{"database user exists", db.UserExists},
		{"redmine source tree", func(context.Context) (bool, error) {
			return files.Exists(filepath.Join(cfg.Redmine.Dir, "Gemfile")), nil
		}},
		{"database.yml present", func(context.Context) (bool, error) {
			return files.Exists(filepath.Join(cfg.Redmine.Dir, "config", "database.yml")), nil
		}},
		{"apache vhost present", func(context.Context) (bool, error) {
			return files.Exists(filepath.Join(cfg.Apache.SitesDir, cfg.Apache.SiteName+".conf")), nil
		}},
	}

	failed := 0
	for _, p := range probes {
		ok, err := p.probe(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(ctx.Stdout, "error  %s: %v\n", p.name, err)
			failed++
		case ok:
			fmt.Fprintf(ctx.Stdout, "ok     %s\n", p.name)
		default:
			fmt.Fprintf(ctx.Stdout, "absent %s\n", p.name)
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d checks failed", failed, len(probes))
	}
	return nil
}
