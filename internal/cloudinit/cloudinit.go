// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cloudinit builds the user-data document that makes a fresh
// VM run the provisioner at first boot. Only the handful of
// cloud-init stanzas the bootstrap needs are modelled.
package cloudinit

import (
	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Config builds a cloud-init document.
type Config struct {
	attrs map[string]interface{}
}

// New returns an empty document.
func New() *Config {
	return &Config{attrs: make(map[string]interface{})}
}

// SetAttr sets an arbitrary top-level attribute.
func (cfg *Config) SetAttr(name string, value interface{}) {
	cfg.attrs[name] = value
}

// SetPackageUpdate requests an index refresh on first boot.
func (cfg *Config) SetPackageUpdate(yes bool) {
	cfg.attrs["package_update"] = yes
}

// SetPackageUpgrade requests a dist upgrade on first boot.
func (cfg *Config) SetPackageUpgrade(yes bool) {
	cfg.attrs["package_upgrade"] = yes
}

// AddPackage appends to the packages list.
func (cfg *Config) AddPackage(name string) {
	cfg.attrs["packages"] = append(cfg.Packages(), name)
}

// Packages returns the configured package list.
func (cfg *Config) Packages() []string {
	pkgs, _ := cfg.attrs["packages"].([]string)
	return pkgs
}

// AddRunCmd appends a command to the runcmd sequence. Each argument
// is one shell command line.
func (cfg *Config) AddRunCmd(cmds ...string) {
	existing, _ := cfg.attrs["runcmd"].([]string)
	cfg.attrs["runcmd"] = append(existing, cmds...)
}

// RunCmds returns the configured command sequence.
func (cfg *Config) RunCmds() []string {
	cmds, _ := cfg.attrs["runcmd"].([]string)
	return cmds
}

// WriteFile describes a write_files entry.
type WriteFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Owner       string `yaml:"owner,omitempty"`
	Permissions string `yaml:"permissions,omitempty"`
}

// AddWriteFile appends a write_files entry.
func (cfg *Config) AddWriteFile(f WriteFile) {
	existing, _ := cfg.attrs["write_files"].([]WriteFile)
	cfg.attrs["write_files"] = append(existing, f)
}

// SetFinalMessage sets the line cloud-init logs when it finishes.
func (cfg *Config) SetFinalMessage(msg string) {
	cfg.attrs["final_message"] = msg
}

// Render produces the document, "#cloud-config" header included.
func (cfg *Config) Render() ([]byte, error) {
	data, err := yaml.Marshal(cfg.attrs)
	if err != nil {
		return nil, errors.Annotate(err, "rendering cloud-config")
	}
	return append([]byte("#cloud-config\n"), data...), nil
}
