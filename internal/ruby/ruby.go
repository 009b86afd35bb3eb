// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ruby prepares the gem environment: system-wide gemrc,
// bundler, and the passenger discovery the Apache vhost needs.
package ruby

import (
	"context"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/files"
	"github.com/juju/redmine-provision/internal/shell"
	"github.com/juju/redmine-provision/internal/steprunner"
)

var logger = loggo.GetLogger("provision.ruby")

// gemrc disables rdoc/ri generation everywhere; the VM only ever
// runs the gems.
const gemrc = "gem: --no-document\n"

// Env manages the system ruby tooling.
type Env struct {
	runner shell.Runner
	clock  clock.Clock
	retry  config.Retry
}

// NewEnv returns an Env retrying gem installs per the tuning.
func NewEnv(runner shell.Runner, clk clock.Clock, retry config.Retry) *Env {
	return &Env{runner: runner, clock: clk, retry: retry}
}

// WriteGemrc installs the system gemrc, leaving an identical file
// untouched.
func (e *Env) WriteGemrc(path string) error {
	changed, err := files.WriteIfChanged(path, []byte(gemrc), 0o644)
	if err != nil {
		return errors.Annotate(err, "writing gemrc")
	}
	if changed {
		logger.Infof("wrote %s", path)
	}
	return nil
}

// HasGem probes `gem list -i`, which exits zero only when the gem is
// resolvable.
func (e *Env) HasGem(ctx context.Context, name string) (bool, error) {
	res, err := e.runner.Run(ctx, shell.Command{
		Name: "gem",
		Args: []string{"list", "-i", "^" + name + "$"},
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return res.Code == 0, nil
}

// EnsureGem installs the gem if it is not already resolvable,
// verifying resolvability after each apparently-successful install.
// Exhaustion is reported through the returned bool; the caller
// decides the severity.
func (e *Env) EnsureGem(ctx context.Context, name string) (ok bool, err error) {
	has, err := e.HasGem(ctx, name)
	if err != nil {
		return false, errors.Trace(err)
	}
	if has {
		logger.Debugf("gem %q already installed", name)
		return true, nil
	}
	result, err := steprunner.Run(ctx, e.runner, steprunner.Spec{
		Name: "gem install " + name,
		Command: shell.Command{
			Name: "gem",
			Args: []string{"install", name, "--no-document"},
		},
		Attempts: e.retry.Attempts,
		Delay:    e.retry.Delay,
		Verify: func(ctx context.Context) error {
			has, err := e.HasGem(ctx, name)
			if err != nil {
				return errors.Trace(err)
			}
			if !has {
				return errors.Errorf("gem %q still not resolvable", name)
			}
			return nil
		},
		Clock: e.clock,
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if !result.Succeeded {
		logger.Warningf("gem %q failed after %d attempts: %s",
			name, result.Attempts, strings.TrimSpace(string(result.Output)))
	}
	return result.Succeeded, nil
}

// PassengerRuby asks passenger-config which ruby it was built
// against; the vhost must point Passenger at exactly that binary.
func (e *Env) PassengerRuby(ctx context.Context) (string, error) {
	res, err := e.runner.Run(ctx, shell.Command{
		Name: "passenger-config",
		Args: []string{"about", "ruby-command"},
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	if res.Code != 0 {
		return "", errors.Errorf("passenger-config exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	// Output contains lines like:
	//   passenger-config was invoked through the following Ruby interpreter:
	//     Command: /usr/bin/ruby3.0
	for _, line := range strings.Split(string(res.Output), "\n") {
		line = strings.TrimSpace(line)
		if after, found := strings.CutPrefix(line, "Command:"); found {
			return strings.TrimSpace(after), nil
		}
	}
	return "", errors.NotFoundf("ruby command in passenger-config output")
}
