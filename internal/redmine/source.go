// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package redmine manages the Redmine source tree and the rails/rake
// steps that turn it into a working application. Redmine itself is a
// black box; everything here shells out to git, curl, bundle and
// rake.
package redmine

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/files"
	"github.com/juju/redmine-provision/internal/shell"
)

var logger = loggo.GetLogger("provision.redmine")

// App manages one Redmine installation.
type App struct {
	runner shell.Runner
	clock  clock.Clock
	cfg    config.Config
}

// NewApp returns an App for the configured tree.
func NewApp(runner shell.Runner, clk clock.Clock, cfg config.Config) *App {
	return &App{runner: runner, clock: clk, cfg: cfg}
}

// Gemfile is the file whose presence marks a usable source tree.
func (a *App) Gemfile() string {
	return filepath.Join(a.cfg.Redmine.Dir, "Gemfile")
}

// HasSource reports whether the tree is already in place.
func (a *App) HasSource() bool {
	return files.Exists(a.Gemfile())
}

// EnsureSource fetches the Redmine tree if it is missing: git clone
// of the configured branch first, curl tarball as the fallback. A
// tree without a Gemfile afterwards is an error; nothing else can
// proceed.
func (a *App) EnsureSource(ctx context.Context) error {
	if a.HasSource() {
		logger.Infof("redmine source already present at %s", a.cfg.Redmine.Dir)
		return nil
	}

	if err := a.cloneSource(ctx); err != nil {
		logger.Warningf("git clone failed, falling back to tarball: %v", err)
		if err := a.fetchTarball(ctx); err != nil {
			return errors.Annotate(err, "fetching redmine source")
		}
	}

	if !a.HasSource() {
		return errors.Errorf("no Gemfile at %s after fetching source", a.Gemfile())
	}
	return nil
}

func (a *App) cloneSource(ctx context.Context) error {
	res, err := a.runner.Run(ctx, shell.Command{
		Name: "git",
		Args: []string{
			"clone", "--branch", a.cfg.Redmine.Version, "--depth", "1",
			a.cfg.Redmine.SourceURL, a.cfg.Redmine.Dir,
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("git clone exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

func (a *App) fetchTarball(ctx context.Context) error {
	tarball := filepath.Join(filepath.Dir(a.cfg.Redmine.Dir), "redmine.tar.gz")
	res, err := a.runner.Run(ctx, shell.Command{
		Name: "curl",
		Args: []string{"-fsSL", "-o", tarball, a.cfg.Redmine.TarballURL},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("curl exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	res, err = a.runner.Run(ctx, shell.Command{
		Name: "tar",
		Args: []string{
			"xzf", tarball,
			"-C", filepath.Dir(a.cfg.Redmine.Dir),
			"--one-top-level=" + filepath.Base(a.cfg.Redmine.Dir),
			"--strip-components=1",
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("tar exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

// Chown hands the tree to the configured owner. Ownership problems
// degrade the install but do not break it, so the caller treats a
// failure as a warning.
func (a *App) Chown(ctx context.Context) error {
	owner := a.cfg.Redmine.Owner
	res, err := a.runner.Run(ctx, shell.Command{
		Name: "chown",
		Args: []string{"-R", owner + ":" + owner, a.cfg.Redmine.Dir},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("chown exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	return nil
}
