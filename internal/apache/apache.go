// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apache installs the Passenger virtual host and drives the
// Debian apache2 helpers. Config validation failures are always
// escalated: a broken vhost must never reach a restart.
package apache

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/files"
	"github.com/juju/redmine-provision/internal/shell"
)

var logger = loggo.GetLogger("provision.apache")

var vhostTemplate = template.Must(template.New("vhost").Parse(`<VirtualHost *:80>
    ServerName {{.ServerName}}
    DocumentRoot {{.DocumentRoot}}

    PassengerRuby {{.RubyPath}}
    PassengerAppEnv production
    PassengerMinInstances 1

    <Directory {{.DocumentRoot}}>
        Allow from all
        Options -MultiViews
        Require all granted
    </Directory>

    ErrorLog {{.LogDir}}/redmine_error.log
    CustomLog {{.LogDir}}/redmine_access.log combined
</VirtualHost>
`))

// Server manages the apache2 configuration for one Redmine site.
type Server struct {
	runner shell.Runner
	cfg    config.Config
}

// NewServer returns a Server for the configured site.
func NewServer(runner shell.Runner, cfg config.Config) *Server {
	return &Server{runner: runner, cfg: cfg}
}

// VHost renders the virtual host for the given Passenger ruby.
func (s *Server) VHost(rubyPath string) ([]byte, error) {
	var buf bytes.Buffer
	err := vhostTemplate.Execute(&buf, struct {
		ServerName   string
		DocumentRoot string
		RubyPath     string
		LogDir       string
	}{
		ServerName:   s.cfg.Redmine.ServerName,
		DocumentRoot: filepath.Join(s.cfg.Redmine.Dir, "public"),
		RubyPath:     rubyPath,
		LogDir:       s.cfg.Apache.LogDir,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// VHostPath is the sites-available file the site is written to.
func (s *Server) VHostPath() string {
	return filepath.Join(s.cfg.Apache.SitesDir, s.cfg.Apache.SiteName+".conf")
}

// WriteVHost installs the virtual host, leaving an identical file
// untouched.
func (s *Server) WriteVHost(rubyPath string) error {
	data, err := s.VHost(rubyPath)
	if err != nil {
		return errors.Trace(err)
	}
	changed, err := files.WriteIfChanged(s.VHostPath(), data, 0o644)
	if err != nil {
		return errors.Annotate(err, "writing vhost")
	}
	if changed {
		logger.Infof("wrote %s", s.VHostPath())
	}
	return nil
}

// EnableModules runs a2enmod for each module; a2enmod is itself
// idempotent and cheap, so no probe is needed.
func (s *Server) EnableModules(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := s.run(ctx, "a2enmod", name); err != nil {
			return errors.Annotatef(err, "enabling module %q", name)
		}
	}
	return nil
}

// EnableSite activates the Redmine site and retires the distribution
// default so Passenger answers on port 80.
func (s *Server) EnableSite(ctx context.Context) error {
	if err := s.run(ctx, "a2ensite", s.cfg.Apache.SiteName); err != nil {
		return errors.Trace(err)
	}
	if err := s.run(ctx, "a2dissite", "000-default"); err != nil {
		// The default site may have been removed already.
		logger.Warningf("disabling default site: %v", err)
	}
	return nil
}

// ConfigTest validates the full apache2 configuration.
func (s *Server) ConfigTest(ctx context.Context) error {
	if err := s.run(ctx, "apache2ctl", "configtest"); err != nil {
		return errors.Annotate(err, "apache config validation")
	}
	return nil
}

func (s *Server) run(ctx context.Context, name string, args ...string) error {
	res, err := s.runner.Run(ctx, shell.Command{Name: name, Args: args})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("%s exited %d: %s",
			name, res.Code, strings.TrimSpace(string(res.Output)))
	}
	return nil
}
