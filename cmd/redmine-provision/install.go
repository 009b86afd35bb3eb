// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/installer"
	"github.com/juju/redmine-provision/internal/shell"
)

func newInstallCommand() cmd.Command {
	return &installCommand{}
}

type installCommand struct {
	cmd.CommandBase

	configPath string
	logFile    string
	dbPassword string
	dryRun     bool
}

const installDoc = `
Run the full installation pipeline on this machine. The command must
run as root. Progress is appended to the install log and mirrored to
the console; non-critical failures are reported as warnings at the
end.
`

func (c *installCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "install",
		Purpose: "install Redmine on the local machine",
		Doc:     installDoc,
	}
}

func (c *installCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config overlay")
	f.StringVar(&c.logFile, "log-file", "", "install log path (default from config)")
	f.StringVar(&c.dbPassword, "db-password", "", "database password (overrides config)")
	f.BoolVar(&c.dryRun, "dry-run", false, "print the step plan without executing")
}

func (c *installCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *installCommand) Run(ctx *cmd.Context) error {
	cfg, err := loadConfig(c.configPath, c.dbPassword)
	if err != nil {
		return errors.Trace(err)
	}
	if c.logFile != "" {
		cfg.LogFile = c.logFile
	}

	inst := installer.New(shell.NewRunner(), clock.WallClock, cfg)
	if c.dryRun {
		for _, step := range inst.Steps() {
			kind := "warn-on-failure"
			if step.Critical {
				kind = "critical"
			}
			fmt.Fprintf(ctx.Stdout, "%s (%s)\n", step.Name, kind)
		}
		return nil
	}

	unregister, err := registerLogFile(cfg.LogFile)
	if err != nil {
		return errors.Trace(err)
	}
	defer unregister()

	if err := inst.Run(ctx); err != nil {
		return errors.Trace(err)
	}
	for _, warning := range inst.Warnings() {
		ctx.Warningf("%s", warning)
	}
	ctx.Infof("Redmine installed; visit http://%s/", cfg.Redmine.ServerName)
	return nil
}

// loadConfig assembles the effective configuration for the local
// commands: defaults, optional YAML overlay, then flag overrides.
func loadConfig(path, dbPassword string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return config.Config{}, errors.Trace(err)
		}
	}
	if dbPassword != "" {
		cfg.Database.Password = dbPassword
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// registerLogFile mirrors all logging to the append-only install
// log, rotated by lumberjack so repeated runs cannot fill the disk.
func registerLogFile(path string) (func(), error) {
	writer := loggo.NewSimpleWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 2,
	}, loggo.DefaultFormatter)
	if err := loggo.RegisterWriter("installlog", writer); err != nil {
		return nil, errors.Annotate(err, "registering install log")
	}
	logger.Infof("logging to %s", path)
	return func() {
		_, _ = loggo.RemoveWriter("installlog")
	}, nil
}
