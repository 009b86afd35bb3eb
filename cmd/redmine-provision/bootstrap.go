// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/redmine-provision/internal/azure"
	"github.com/juju/redmine-provision/internal/cloudinit"
)

func newBootstrapCommand() cmd.Command {
	return &bootstrapCommand{}
}

type bootstrapCommand struct {
	cmd.CommandBase

	configPath string
	dbPassword string
	binaryURL  string

	subscriptionID string
	resourceGroup  string
	location       string
	vmName         string
	sshKeyPath     string
}

const bootstrapDoc = `
Create the Azure resources for a single Redmine VM: resource group,
virtual network, security group admitting SSH and HTTP, public
address, NIC and an Ubuntu 22.04 VM. The rendered user-data is
injected as CustomData, so the machine installs itself at first
boot. Existing resources are left alone, making re-runs safe.

Credentials come from the default Azure credential chain: environment
variables, a managed identity, or an az CLI login.
`

func (c *bootstrapCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "bootstrap",
		Purpose: "create an Azure VM that installs Redmine at first boot",
		Doc:     bootstrapDoc,
	}
}

func (c *bootstrapCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config overlay")
	f.StringVar(&c.dbPassword, "db-password", "", "database password (overrides config)")
	f.StringVar(&c.binaryURL, "binary-url", defaultBinaryURL, "provisioner binary the VM downloads")
	f.StringVar(&c.subscriptionID, "subscription-id", "", "Azure subscription (overrides config)")
	f.StringVar(&c.resourceGroup, "resource-group", "", "Azure resource group (overrides config)")
	f.StringVar(&c.location, "location", "", "Azure location (overrides config)")
	f.StringVar(&c.vmName, "vm-name", "", "virtual machine name (overrides config)")
	f.StringVar(&c.sshKeyPath, "ssh-public-key", "", "SSH public key installed for the admin user")
}

func (c *bootstrapCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *bootstrapCommand) Run(ctx *cmd.Context) error {
	cfg, err := loadConfig(c.configPath, c.dbPassword)
	if err != nil {
		return errors.Trace(err)
	}
	if c.subscriptionID != "" {
		cfg.Azure.SubscriptionID = c.subscriptionID
	}
	if c.resourceGroup != "" {
		cfg.Azure.ResourceGroup = c.resourceGroup
	}
	if c.location != "" {
		cfg.Azure.Location = c.location
	}
	if c.vmName != "" {
		cfg.Azure.VMName = c.vmName
	}
	if c.sshKeyPath != "" {
		cfg.Azure.SSHPublicKeyPath = c.sshKeyPath
	}
	if err := cfg.ValidateAzure(); err != nil {
		return errors.Trace(err)
	}

	sshKey, err := os.ReadFile(cfg.Azure.SSHPublicKeyPath)
	if err != nil {
		return errors.Annotate(err, "reading ssh public key")
	}
	userData, err := cloudinit.UserData(cfg, c.binaryURL)
	if err != nil {
		return errors.Trace(err)
	}

	bootstrap, err := azure.NewBootstrap(cfg.Azure)
	if err != nil {
		return errors.Trace(err)
	}
	ctx.Infof("provisioning %q in %s", cfg.Azure.VMName, cfg.Azure.Location)
	address, err := bootstrap.Run(ctx, userData, strings.TrimSpace(string(sshKey)))
	if err != nil {
		return errors.Trace(err)
	}

	fmt.Fprintf(ctx.Stdout, "public address: %s\n", address)
	ctx.Infof("cloud-init is installing Redmine; follow %s on the VM", cfg.LogFile)
	return nil
}
