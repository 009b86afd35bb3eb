// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// redmine-provision installs Redmine on the local machine and,
// optionally, creates the Azure VM it runs on.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v4"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("provision.cmd")

const doc = `
redmine-provision turns a fresh Ubuntu machine into a Redmine server:
OS packages, Ruby and Bundler, MySQL, the Redmine source tree, its
database, and an Apache+Passenger virtual host. Every step is
idempotent, so the command is safe to re-run after a failure.

The bootstrap subcommand provisions the Azure VM first and injects
the installer through cloud-init user-data.
`

// Main runs the supercommand with the given argv.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "redmine-provision",
		Doc:     doc,
		Purpose: "provision a single-VM Redmine installation",
		Log: &cmd.Log{
			DefaultConfig: os.Getenv("REDMINE_PROVISION_LOGGING_CONFIG"),
		},
	})
	super.Register(newInstallCommand())
	super.Register(newCheckCommand())
	super.Register(newUserDataCommand())
	super.Register(newBootstrapCommand())
	return cmd.Main(super, ctx, args[1:])
}

func main() {
	os.Exit(Main(os.Args))
}
