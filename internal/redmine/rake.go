// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package redmine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/redmine-provision/internal/shell"
	"github.com/juju/redmine-provision/internal/steprunner"
)

// railsEnv pins every bundle/rake invocation to production.
var railsEnv = []string{"RAILS_ENV=production"}

func (a *App) appCommand(name string, args ...string) shell.Command {
	return shell.Command{
		Name: name,
		Args: args,
		Dir:  a.cfg.Redmine.Dir,
		Env:  railsEnv,
	}
}

// BundleInstall resolves the application's gems. A stale
// Gemfile.lock is the usual cause of repeated failures, so the
// repair removes it before a retry. Exhaustion is an error; the app
// cannot run without its dependencies.
func (a *App) BundleInstall(ctx context.Context) error {
	if !a.HasSource() {
		return errors.Errorf("no Gemfile at %s", a.Gemfile())
	}
	retry := a.cfg.Retries.Bundle
	result, err := steprunner.Run(ctx, a.runner, steprunner.Spec{
		Name:     "bundle install",
		Command:  a.appCommand("bundle", "install", "--without", "development test"),
		Attempts: retry.Attempts,
		Delay:    retry.Delay,
		Repair: func(context.Context) error {
			lock := filepath.Join(a.cfg.Redmine.Dir, "Gemfile.lock")
			if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
				return errors.Trace(err)
			}
			logger.Infof("removed %s before retry", lock)
			return nil
		},
		Clock: a.clock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded {
		return errors.Errorf("bundle install failed after %d attempts: %s",
			result.Attempts, tail(result.Output))
	}
	return nil
}

// GenerateSecretToken creates the session secret the app signs
// cookies with. Without it rails refuses to boot, so failure is an
// error.
func (a *App) GenerateSecretToken(ctx context.Context) error {
	res, err := a.runner.Run(ctx, a.appCommand("bundle", "exec", "rake", "generate_secret_token"))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("generate_secret_token exited %d: %s", res.Code, tail(res.Output))
	}
	return nil
}

// Migrate runs the schema migrations. Exhaustion is an error: a
// half-migrated database must stop the pipeline.
func (a *App) Migrate(ctx context.Context) error {
	retry := a.cfg.Retries.Migrate
	result, err := steprunner.Run(ctx, a.runner, steprunner.Spec{
		Name:     "db:migrate",
		Command:  a.appCommand("bundle", "exec", "rake", "db:migrate"),
		Attempts: retry.Attempts,
		Delay:    retry.Delay,
		Clock:    a.clock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded {
		return errors.Errorf("db:migrate failed after %d attempts: %s",
			result.Attempts, tail(result.Output))
	}
	return nil
}

// LoadDefaultData seeds the configured language's default data. The
// task fails when the data is already loaded, which is exactly the
// re-run case, so exhaustion only degrades to a warning upstream.
func (a *App) LoadDefaultData(ctx context.Context) (bool, error) {
	retry := a.cfg.Retries.DefaultData
	cmd := a.appCommand("bundle", "exec", "rake", "redmine:load_default_data")
	cmd.Env = append(cmd.Env, "REDMINE_LANG="+a.cfg.Redmine.Lang)
	result, err := steprunner.Run(ctx, a.runner, steprunner.Spec{
		Name:     "load default data",
		Command:  cmd,
		Attempts: retry.Attempts,
		Delay:    retry.Delay,
		Clock:    a.clock,
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if !result.Succeeded {
		logger.Warningf("default data not loaded after %d attempts: %s",
			result.Attempts, tail(result.Output))
	}
	return result.Succeeded, nil
}

// PrecompileAssets builds the asset pipeline. Redmine serves usable
// (if slower) pages without it, so exhaustion degrades to a warning
// upstream.
func (a *App) PrecompileAssets(ctx context.Context) (bool, error) {
	retry := a.cfg.Retries.Assets
	result, err := steprunner.Run(ctx, a.runner, steprunner.Spec{
		Name:     "assets:precompile",
		Command:  a.appCommand("bundle", "exec", "rake", "assets:precompile"),
		Attempts: retry.Attempts,
		Delay:    retry.Delay,
		Clock:    a.clock,
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if !result.Succeeded {
		logger.Warningf("assets not precompiled after %d attempts: %s",
			result.Attempts, tail(result.Output))
	}
	return result.Succeeded, nil
}

func tail(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " / ")
}
