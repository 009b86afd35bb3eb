// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the provisioner configuration: a single
// immutable value assembled from defaults and an optional YAML
// overlay, passed into every step. The database credential is one
// value here; nothing else in the tree may carry its own copy.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Redmine describes the application being installed.
type Redmine struct {
	// Dir is the root of the Redmine source tree.
	Dir string `yaml:"dir"`
	// Version is the git branch or tag to check out.
	Version string `yaml:"version"`
	// SourceURL is the git repository to clone from.
	SourceURL string `yaml:"source-url"`
	// TarballURL is the fallback archive when git is unusable.
	TarballURL string `yaml:"tarball-url"`
	// Lang seeds the default data load (REDMINE_LANG).
	Lang string `yaml:"lang"`
	// ServerName is the Apache ServerName for the virtual host.
	ServerName string `yaml:"server-name"`
	// Owner is the unix user owning the tree after install.
	Owner string `yaml:"owner"`
}

// Database describes the MySQL instance and schema.
type Database struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// RootPassword is used for administrative statements; empty
	// means socket authentication as root.
	RootPassword string `yaml:"root-password"`
	Encoding     string `yaml:"encoding"`
	Pool         int    `yaml:"pool"`
	// Timeout is the client connect timeout in milliseconds, as
	// database.yml expects it.
	Timeout              int    `yaml:"timeout"`
	TransactionIsolation string `yaml:"transaction-isolation"`
}

// Apache describes the virtual host installation.
type Apache struct {
	// SiteName is the sites-available config name, without ".conf".
	SiteName string `yaml:"site-name"`
	// SitesDir is where virtual host files live.
	SitesDir string `yaml:"sites-dir"`
	// LogDir is the Apache log directory referenced by the vhost.
	LogDir string `yaml:"log-dir"`
}

// Retry tunes one retried step.
type Retry struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// MarshalYAML emits the delay as a duration string so a marshalled
// config can be read back by UnmarshalYAML.
func (r Retry) MarshalYAML() (interface{}, error) {
	return struct {
		Attempts int    `yaml:"attempts"`
		Delay    string `yaml:"delay"`
	}{r.Attempts, r.Delay.String()}, nil
}

// UnmarshalYAML accepts the delay as a duration string ("10s") and
// keeps the in-place value for omitted fields, so an overlay can
// adjust one knob without restating the other.
func (r *Retry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	raw := struct {
		Attempts *int    `yaml:"attempts"`
		Delay    *string `yaml:"delay"`
	}{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.Attempts != nil {
		r.Attempts = *raw.Attempts
	}
	if raw.Delay != nil {
		d, err := time.ParseDuration(*raw.Delay)
		if err != nil {
			return errors.Annotate(err, "parsing retry delay")
		}
		r.Delay = d
	}
	return nil
}

// Retries carries the per-step retry tuning. The differences between
// steps are configuration, not distinct code.
type Retries struct {
	Packages    Retry `yaml:"packages"`
	DatabaseUp  Retry `yaml:"database-up"`
	GemInstall  Retry `yaml:"gem-install"`
	Bundle      Retry `yaml:"bundle"`
	Migrate     Retry `yaml:"migrate"`
	DefaultData Retry `yaml:"default-data"`
	Assets      Retry `yaml:"assets"`
}

// Azure describes the VM bootstrap target.
type Azure struct {
	SubscriptionID string `yaml:"subscription-id"`
	ResourceGroup  string `yaml:"resource-group"`
	Location       string `yaml:"location"`
	VMName         string `yaml:"vm-name"`
	VMSize         string `yaml:"vm-size"`
	AdminUsername  string `yaml:"admin-username"`
	// SSHPublicKeyPath points at the key installed for the admin
	// user; password authentication is always disabled.
	SSHPublicKeyPath string `yaml:"ssh-public-key-path"`
	AddressPrefix    string `yaml:"address-prefix"`
	SubnetPrefix     string `yaml:"subnet-prefix"`
}

// Config is the complete provisioner configuration.
type Config struct {
	Redmine  Redmine  `yaml:"redmine"`
	Database Database `yaml:"database"`
	Apache   Apache   `yaml:"apache"`
	Retries  Retries  `yaml:"retries"`
	Azure    Azure    `yaml:"azure"`

	// GemrcPath is where the gem defaults file is written.
	GemrcPath string `yaml:"gemrc-path"`
	// LogFile receives the timestamped install log.
	LogFile string `yaml:"log-file"`
}

// Default returns the configuration matching a stock single-VM
// install.
func Default() Config {
	return Config{
		Redmine: Redmine{
			Dir:        "/opt/redmine",
			Version:    "5.1-stable",
			SourceURL:  "https://github.com/redmine/redmine.git",
			TarballURL: "https://www.redmine.org/releases/redmine-5.1.3.tar.gz",
			Lang:       "en",
			ServerName: "localhost",
			Owner:      "www-data",
		},
		Database: Database{
			Host:                 "localhost",
			Name:                 "redmine",
			User:                 "redmine",
			Encoding:             "utf8mb4",
			Pool:                 5,
			Timeout:              5000,
			TransactionIsolation: "READ-COMMITTED",
		},
		Apache: Apache{
			SiteName: "redmine",
			SitesDir: "/etc/apache2/sites-available",
			LogDir:   "/var/log/apache2",
		},
		Retries: Retries{
			Packages:    Retry{Attempts: 3, Delay: 5 * time.Second},
			DatabaseUp:  Retry{Attempts: 30, Delay: 2 * time.Second},
			GemInstall:  Retry{Attempts: 3, Delay: 5 * time.Second},
			Bundle:      Retry{Attempts: 3, Delay: 10 * time.Second},
			Migrate:     Retry{Attempts: 3, Delay: 15 * time.Second},
			DefaultData: Retry{Attempts: 3, Delay: 10 * time.Second},
			Assets:      Retry{Attempts: 3, Delay: 10 * time.Second},
		},
		Azure: Azure{
			Location:      "westeurope",
			VMName:        "redmine-vm",
			VMSize:        "Standard_B2s",
			AdminUsername: "azureuser",
			AddressPrefix: "10.10.0.0/16",
			SubnetPrefix:  "10.10.1.0/24",
		},
		GemrcPath: "/etc/gemrc",
		LogFile:   "/var/log/redmine-install.log",
	}
}

// Read overlays the YAML document at path onto the defaults. The
// result is not validated; callers validate once any flag overrides
// have been applied.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing %q", path)
	}
	return cfg, nil
}

// Validate checks the parts every command relies on. Azure settings
// are validated separately by the bootstrap command, which is the
// only consumer.
func (c Config) Validate() error {
	if c.Redmine.Dir == "" {
		return errors.NotValidf("empty redmine dir")
	}
	if c.Redmine.Lang == "" {
		return errors.NotValidf("empty redmine language")
	}
	if c.Database.Name == "" || c.Database.User == "" {
		return errors.NotValidf("empty database name or user")
	}
	if c.Database.Password == "" {
		return errors.NotValidf("empty database password")
	}
	if c.Database.Encoding == "" {
		return errors.NotValidf("empty database encoding")
	}
	for _, r := range []Retry{
		c.Retries.Packages, c.Retries.DatabaseUp, c.Retries.GemInstall,
		c.Retries.Bundle, c.Retries.Migrate, c.Retries.DefaultData,
		c.Retries.Assets,
	} {
		if r.Attempts < 1 {
			return errors.NotValidf("retry attempts %d", r.Attempts)
		}
		if r.Delay <= 0 {
			return errors.NotValidf("retry delay %v", r.Delay)
		}
	}
	return nil
}

// ValidateAzure checks the settings the bootstrap command needs.
func (c Config) ValidateAzure() error {
	if c.Azure.SubscriptionID == "" {
		return errors.NotValidf("empty azure subscription id")
	}
	if c.Azure.ResourceGroup == "" {
		return errors.NotValidf("empty azure resource group")
	}
	if c.Azure.Location == "" {
		return errors.NotValidf("empty azure location")
	}
	if c.Azure.SSHPublicKeyPath == "" {
		return errors.NotValidf("empty ssh public key path")
	}
	return nil
}
