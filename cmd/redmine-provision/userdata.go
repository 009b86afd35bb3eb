// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/redmine-provision/internal/cloudinit"
)

// defaultBinaryURL is where the published linux build lives; the VM
// fetches it at first boot.
const defaultBinaryURL = "https://github.com/juju/redmine-provision/releases/latest/download/redmine-provision-linux-amd64"

func newUserDataCommand() cmd.Command {
	return &userDataCommand{}
}

type userDataCommand struct {
	cmd.CommandBase

	configPath string
	dbPassword string
	binaryURL  string
	output     string
}

const userDataDoc = `
Render the cloud-init user-data document that runs the installer at
first boot. The document embeds the effective configuration, so the
same overlay given to install here produces an identical machine.
`

func (c *userDataCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "render-userdata",
		Purpose: "render cloud-init user-data for a new VM",
		Doc:     userDataDoc,
	}
}

func (c *userDataCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config overlay")
	f.StringVar(&c.dbPassword, "db-password", "", "database password (overrides config)")
	f.StringVar(&c.binaryURL, "binary-url", defaultBinaryURL, "provisioner binary the VM downloads")
	f.StringVar(&c.output, "output", "", "write to file instead of stdout")
}

func (c *userDataCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *userDataCommand) Run(ctx *cmd.Context) error {
	cfg, err := loadConfig(c.configPath, c.dbPassword)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := cloudinit.UserData(cfg, c.binaryURL)
	if err != nil {
		return errors.Trace(err)
	}
	if c.output == "" {
		_, err = fmt.Fprint(ctx.Stdout, string(data))
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(c.output, data, 0o600))
}
