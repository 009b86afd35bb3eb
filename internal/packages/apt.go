// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package packages installs the OS packages Redmine needs through
// apt, guarded so that re-running the provisioner never reinstalls
// what is already present.
package packages

import (
	"context"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/shell"
	"github.com/juju/redmine-provision/internal/steprunner"
)

var logger = loggo.GetLogger("provision.packages")

// aptEnv keeps apt from prompting on a headless install.
var aptEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

// Manager drives apt and dpkg.
type Manager struct {
	runner shell.Runner
	clock  clock.Clock
	retry  config.Retry
}

// NewManager returns a Manager retrying per the supplied tuning.
func NewManager(runner shell.Runner, clk clock.Clock, retry config.Retry) *Manager {
	return &Manager{runner: runner, clock: clk, retry: retry}
}

// IsInstalled probes dpkg for the package state without mutating
// anything.
func (m *Manager) IsInstalled(ctx context.Context, name string) (bool, error) {
	res, err := m.runner.Run(ctx, shell.Command{
		Name: "dpkg-query",
		Args: []string{"-W", "-f", "${Status}", name},
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if res.Code != 0 {
		// dpkg-query exits non-zero for unknown packages.
		return false, nil
	}
	return strings.Contains(string(res.Output), "install ok installed"), nil
}

// Update refreshes the package indexes. Failures are surfaced to the
// caller, which treats them as warnings.
func (m *Manager) Update(ctx context.Context) error {
	result, err := steprunner.Run(ctx, m.runner, steprunner.Spec{
		Name: "apt-get update",
		Command: shell.Command{
			Name: "apt-get",
			Args: []string{"update", "-y"},
			Env:  aptEnv,
		},
		Attempts: m.retry.Attempts,
		Delay:    m.retry.Delay,
		Clock:    m.clock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded {
		return errors.Errorf("apt-get update failed after %d attempts: %s",
			result.Attempts, lastLine(result.Output))
	}
	return nil
}

// Install ensures the named packages are present, installing only the
// missing ones. It returns the packages that could not be installed;
// per-package failure is not an error.
func (m *Manager) Install(ctx context.Context, names ...string) ([]string, error) {
	var failed []string
	for _, name := range names {
		installed, err := m.IsInstalled(ctx, name)
		if err != nil {
			return failed, errors.Trace(err)
		}
		if installed {
			logger.Debugf("package %q already installed", name)
			continue
		}
		result, err := steprunner.Run(ctx, m.runner, steprunner.Spec{
			Name: "install " + name,
			Command: shell.Command{
				Name: "apt-get",
				Args: []string{"install", "-y", name},
				Env:  aptEnv,
			},
			Attempts: m.retry.Attempts,
			Delay:    m.retry.Delay,
			Repair:   m.repairDpkg,
			Clock:    m.clock,
		})
		if err != nil {
			return failed, errors.Trace(err)
		}
		if !result.Succeeded {
			logger.Warningf("package %q failed after %d attempts: %s",
				name, result.Attempts, lastLine(result.Output))
			failed = append(failed, name)
		}
	}
	return failed, nil
}

// repairDpkg clears an interrupted dpkg run before a retry, the
// usual cause of repeated install failures on a fresh image while
// unattended-upgrades holds the lock.
func (m *Manager) repairDpkg(ctx context.Context) error {
	res, err := m.runner.Run(ctx, shell.Command{
		Name: "dpkg",
		Args: []string{"--configure", "-a"},
		Env:  aptEnv,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("dpkg --configure -a exited %d", res.Code)
	}
	return nil
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return lines[len(lines)-1]
}
