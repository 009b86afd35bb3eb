// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mysql prepares the Redmine database through the mysql
// client binary: wait for the server to accept connections, then
// create the schema and application user if they do not exist yet.
// The server itself is an external collaborator; we never link a
// driver.
package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/redmine-provision/internal/config"
	"github.com/juju/redmine-provision/internal/shell"
	"github.com/juju/redmine-provision/internal/steprunner"
)

var logger = loggo.GetLogger("provision.mysql")

// Client issues administrative statements against the local server.
type Client struct {
	runner shell.Runner
	clock  clock.Clock
	db     config.Database
	wait   config.Retry
}

// NewClient returns a Client for the configured database.
func NewClient(runner shell.Runner, clk clock.Clock, db config.Database, wait config.Retry) *Client {
	return &Client{runner: runner, clock: clk, db: db, wait: wait}
}

// command builds a batch-mode mysql invocation. The root password
// travels in MYSQL_PWD rather than argv so it never shows up in a
// process listing or a log line.
func (c *Client) command(sql string) shell.Command {
	cmd := shell.Command{
		Name: "mysql",
		Args: []string{"-h", c.db.Host, "-u", "root", "-N", "-B", "-e", sql},
	}
	if c.db.RootPassword != "" {
		cmd.Env = []string{"MYSQL_PWD=" + c.db.RootPassword}
	}
	return cmd
}

func (c *Client) query(ctx context.Context, sql string) (string, error) {
	res, err := c.runner.Run(ctx, c.command(sql))
	if err != nil {
		return "", errors.Trace(err)
	}
	if res.Code != 0 {
		return "", errors.Errorf("mysql exited %d: %s",
			res.Code, strings.TrimSpace(string(res.Output)))
	}
	return strings.TrimSpace(string(res.Output)), nil
}

// WaitReady blocks until the server answers a trivial query, bounded
// by the configured attempts. Exhaustion is an error: nothing later
// in the pipeline can work without the database.
func (c *Client) WaitReady(ctx context.Context) error {
	result, err := steprunner.Run(ctx, c.runner, steprunner.Spec{
		Name:     "mysql connectivity",
		Command:  c.command("SELECT 1"),
		Attempts: c.wait.Attempts,
		Delay:    c.wait.Delay,
		Clock:    c.clock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded {
		return errors.Errorf("mysql not reachable after %d attempts: %s",
			result.Attempts, strings.TrimSpace(string(result.Output)))
	}
	logger.Infof("mysql answered after %d attempt(s)", result.Attempts)
	return nil
}

// DatabaseExists probes for the schema without side effects.
func (c *Client) DatabaseExists(ctx context.Context) (bool, error) {
	out, err := c.query(ctx, fmt.Sprintf(
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = '%s'",
		c.db.Name))
	if err != nil {
		return false, errors.Trace(err)
	}
	return out != "", nil
}

// EnsureDatabase creates the schema if missing. It reports whether
// the creation actually happened, so repeated runs are observable.
func (c *Client) EnsureDatabase(ctx context.Context) (created bool, err error) {
	exists, err := c.DatabaseExists(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if exists {
		logger.Infof("database %q already exists", c.db.Name)
		return false, nil
	}
	_, err = c.query(ctx, fmt.Sprintf(
		"CREATE DATABASE `%s` CHARACTER SET %s COLLATE %s_unicode_ci",
		c.db.Name, c.db.Encoding, c.db.Encoding))
	if err != nil {
		return false, errors.Annotatef(err, "creating database %q", c.db.Name)
	}
	return true, nil
}

// UserExists probes for the application user.
func (c *Client) UserExists(ctx context.Context) (bool, error) {
	out, err := c.query(ctx, fmt.Sprintf(
		"SELECT User FROM mysql.user WHERE User = '%s' AND Host = 'localhost'",
		c.db.User))
	if err != nil {
		return false, errors.Trace(err)
	}
	return out != "", nil
}

// EnsureUser creates the application user if missing and (re)applies
// the grant. The grant is idempotent, so it always runs; it is what
// repairs a user left over with stale privileges.
func (c *Client) EnsureUser(ctx context.Context) (created bool, err error) {
	exists, err := c.UserExists(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !exists {
		_, err = c.query(ctx, fmt.Sprintf(
			"CREATE USER '%s'@'localhost' IDENTIFIED BY '%s'",
			c.db.User, c.db.Password))
		if err != nil {
			return false, errors.Annotatef(err, "creating user %q", c.db.User)
		}
		created = true
	}
	_, err = c.query(ctx, fmt.Sprintf(
		"GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'localhost'; FLUSH PRIVILEGES",
		c.db.Name, c.db.User))
	if err != nil {
		return created, errors.Annotatef(err, "granting on %q", c.db.Name)
	}
	return created, nil
}
