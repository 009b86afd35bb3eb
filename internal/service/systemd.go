// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service controls systemd units through systemctl. The
// provisioner only ever needs the handful of verbs below, always on
// the local host.
package service

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/shell"
)

var logger = loggo.GetLogger("provision.service")

// Manager wraps systemctl for one unit namespace.
type Manager struct {
	runner shell.Runner
}

// NewManager returns a systemctl-backed Manager.
func NewManager(runner shell.Runner) *Manager {
	return &Manager{runner: runner}
}

// IsActive probes the unit state without side effects.
func (m *Manager) IsActive(ctx context.Context, unit string) (bool, error) {
	res, err := m.runner.Run(ctx, shell.Command{
		Name: "systemctl",
		Args: []string{"is-active", "--quiet", unit},
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return res.Code == 0, nil
}

// IsEnabled probes whether the unit starts at boot.
func (m *Manager) IsEnabled(ctx context.Context, unit string) (bool, error) {
	res, err := m.runner.Run(ctx, shell.Command{
		Name: "systemctl",
		Args: []string{"is-enabled", "--quiet", unit},
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return res.Code == 0, nil
}

// Enable marks the unit to start at boot if it is not already
// enabled.
func (m *Manager) Enable(ctx context.Context, unit string) error {
	enabled, err := m.IsEnabled(ctx, unit)
	if err != nil {
		return errors.Trace(err)
	}
	if enabled {
		logger.Debugf("unit %q already enabled", unit)
		return nil
	}
	return m.run(ctx, "enable", unit)
}

// Start starts the unit if it is not already running.
func (m *Manager) Start(ctx context.Context, unit string) error {
	active, err := m.IsActive(ctx, unit)
	if err != nil {
		return errors.Trace(err)
	}
	if active {
		logger.Debugf("unit %q already active", unit)
		return nil
	}
	return m.run(ctx, "start", unit)
}

// Restart restarts the unit unconditionally.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.run(ctx, "restart", unit)
}

func (m *Manager) run(ctx context.Context, verb, unit string) error {
	res, err := m.runner.Run(ctx, shell.Command{
		Name: "systemctl",
		Args: []string{verb, unit},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if res.Code != 0 {
		return errors.Errorf("systemctl %s %s exited %d: %s",
			verb, unit, res.Code, strings.TrimSpace(string(res.Output)))
	}
	return nil
}
