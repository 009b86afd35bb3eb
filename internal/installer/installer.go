// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package installer sequences the provisioning steps. Steps run
// strictly one after another; a critical failure aborts the run,
// anything else is recorded as a warning and the pipeline carries
// on, possibly leaving a degraded but diagnosable install.
package installer

import (
	"context"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/apache"
	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/mysql"
	"github.com/juju/redmine-provision/internal/packages"
	"github.com/juju/redmine-provision/internal/redmine"
	"github.com/juju/redmine-provision/internal/ruby"
	"github.com/juju/redmine-provision/internal/service"
	"github.com/juju/redmine-provision/internal/shell"
)

var logger = loggo.GetLogger("provision.installer")

// basePackages is everything Redmine needs from the archive. A
// failed package is a warning; the tool probe afterwards decides
// whether the install can actually proceed.
var basePackages = []string{
	"build-essential",
	"ruby-full",
	"ruby-dev",
	"pkg-config",
	"libmysqlclient-dev",
	"libxml2-dev",
	"libxslt1-dev",
	"zlib1g-dev",
	"imagemagick",
	"libmagickwand-dev",
	"mysql-server",
	"mysql-client",
	"apache2",
	"libapache2-mod-passenger",
	"git",
	"curl",
}

// requiredTools must resolve on $PATH before the application phase.
var requiredTools = []string{"git", "curl", "mysql", "gem", "systemctl"}

// Step is one sequential unit of the pipeline.
type Step struct {
	// Name appears in every log line about the step.
	Name string
	// Critical failures abort the run with a non-zero exit;
	// anything else becomes a warning.
	Critical bool
	// Run does the work.
	Run func(ctx context.Context) error
}

// Installer wires the per-concern managers into one pipeline.
type Installer struct {
	cfg    config.Config
	runner shell.Runner

	packages *packages.Manager
	services *service.Manager
	db       *mysql.Client
	ruby     *ruby.Env
	app      *redmine.App
	web      *apache.Server

	warnings []string
}

// New assembles an Installer from the configuration.
func New(runner shell.Runner, clk clock.Clock, cfg config.Config) *Installer {
	return &Installer{
		cfg:      cfg,
		runner:   runner,
		packages: packages.NewManager(runner, clk, cfg.Retries.Packages),
		services: service.NewManager(runner),
		db:       mysql.NewClient(runner, clk, cfg.Database, cfg.Retries.DatabaseUp),
		ruby:     ruby.NewEnv(runner, clk, cfg.Retries.GemInstall),
		app:      redmine.NewApp(runner, clk, cfg),
		web:      apache.NewServer(runner, cfg),
	}
}

// Warnings lists the non-critical failures of the last Run.
func (i *Installer) Warnings() []string {
	return i.warnings
}

// Steps returns the pipeline in execution order.
func (i *Installer) Steps() []Step {
	return []Step{
		{Name: "refresh package indexes", Run: i.packages.Update},
		{Name: "install os packages", Run: i.installPackages},
		{Name: "verify required tools", Critical: true, Run: i.verifyTools},
		{Name: "enable and start mysql", Critical: true, Run: i.startMySQL},
		{Name: "wait for mysql", Critical: true, Run: i.db.WaitReady},
		{Name: "create database", Critical: true, Run: i.ensureDatabase},
		{Name: "create database user", Critical: true, Run: i.ensureUser},
		{Name: "write gemrc", Run: func(context.Context) error {
			return i.ruby.WriteGemrc(i.cfg.GemrcPath)
		}},
		{Name: "install bundler", Run: i.ensureBundler},
		{Name: "fetch redmine source", Critical: true, Run: i.app.EnsureSource},
		{Name: "write database.yml", Critical: true, Run: func(context.Context) error {
			return i.app.WriteDatabaseConfig()
		}},
		{Name: "install example configs", Critical: true, Run: func(context.Context) error {
			return i.app.WriteExampleConfigs()
		}},
		{Name: "bundle install", Critical: true, Run: i.app.BundleInstall},
		{Name: "generate secret token", Critical: true, Run: i.app.GenerateSecretToken},
		{Name: "run database migrations", Critical: true, Run: i.app.Migrate},
		{Name: "load default data", Run: i.loadDefaultData},
		{Name: "precompile assets", Run: i.precompileAssets},
		{Name: "fix ownership", Run: i.app.Chown},
		{Name: "enable apache modules", Critical: true, Run: i.enableModules},
		{Name: "write apache vhost", Critical: true, Run: i.writeVHost},
		{Name: "validate apache config", Critical: true, Run: i.web.ConfigTest},
		{Name: "enable site", Critical: true, Run: i.web.EnableSite},
		{Name: "restart apache", Critical: true, Run: i.restartApache},
		{Name: "verify site responds", Run: i.probeSite},
	}
}

// Run executes the whole pipeline.
func (i *Installer) Run(ctx context.Context) error {
	i.warnings = nil
	return i.RunSteps(ctx, i.Steps())
}

// RunSteps executes the given steps in order, applying the severity
// contract: critical failures abort, the rest accumulate as
// warnings.
func (i *Installer) RunSteps(ctx context.Context, steps []Step) error {
	for n, step := range steps {
		logger.Infof("step %d/%d: %s", n+1, len(steps), step.Name)
		err := step.Run(ctx)
		if err == nil {
			continue
		}
		if step.Critical {
			return errors.Annotatef(err, "step %q", step.Name)
		}
		logger.Warningf("step %q: %v (continuing)", step.Name, err)
		i.warnings = append(i.warnings, step.Name+": "+err.Error())
	}
	if len(i.warnings) > 0 {
		logger.Warningf("install finished with %d warning(s)", len(i.warnings))
	} else {
		logger.Infof("install finished cleanly")
	}
	return nil
}

func (i *Installer) installPackages(ctx context.Context) error {
	failed, err := i.packages.Install(ctx, basePackages...)
	if err != nil {
		return errors.Trace(err)
	}
	if len(failed) > 0 {
		return errors.Errorf("packages not installed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (i *Installer) verifyTools(context.Context) error {
	var missing []string
	for _, tool := range requiredTools {
		if !i.runner.LookPath(tool) {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("required tools missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (i *Installer) startMySQL(ctx context.Context) error {
	if err := i.services.Enable(ctx, "mysql"); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(i.services.Start(ctx, "mysql"))
}

func (i *Installer) ensureDatabase(ctx context.Context) error {
	_, err := i.db.EnsureDatabase(ctx)
	return errors.Trace(err)
}

func (i *Installer) ensureUser(ctx context.Context) error {
	_, err := i.db.EnsureUser(ctx)
	return errors.Trace(err)
}

func (i *Installer) ensureBundler(ctx context.Context) error {
	ok, err := i.ruby.EnsureGem(ctx, "bundler")
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.New("bundler not installable")
	}
	return nil
}

func (i *Installer) loadDefaultData(ctx context.Context) error {
	ok, err := i.app.LoadDefaultData(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.New("default data not loaded")
	}
	return nil
}

func (i *Installer) precompileAssets(ctx context.Context) error {
	ok, err := i.app.PrecompileAssets(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.New("assets not precompiled")
	}
	return nil
}

func (i *Installer) enableModules(ctx context.Context) error {
	return i.web.EnableModules(ctx, "passenger", "rewrite")
}

func (i *Installer) writeVHost(ctx context.Context) error {
	rubyPath, err := i.ruby.PassengerRuby(ctx)
	if err != nil {
		return errors.Annotate(err, "discovering passenger ruby")
	}
	return errors.Trace(i.web.WriteVHost(rubyPath))
}

func (i *Installer) restartApache(ctx context.Context) error {
	return errors.Trace(i.services.Restart(ctx, "apache2"))
}

// probeSite asks the fresh vhost for any response at all. Passenger
// spawning can take a while on small VMs, so a refusal here is only
// a warning.
func (i *Installer) probeSite(ctx context.Context) error {
	res, err := i.runner.Run(ctx, shell.Command{
		Name: "curl",
		Args: []string{"-fsS", "-o", "/dev/null", "http://localhost/"},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("http probe exited %d", res.Code)
	}
	return nil
}
