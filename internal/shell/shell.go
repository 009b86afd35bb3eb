// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shell runs the external commands the provisioner drives
// (apt-get, mysql, bundle, rake, apache2ctl, systemctl and friends).
// Every collaborator is reached through the Runner interface so tests
// can substitute a scripted fake.
package shell

import (
	"context"
	"os/exec"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("provision.shell")

// ExecResult carries the outcome of a single command invocation.
// Output holds combined stdout and stderr, since the diagnostics we
// care about (apt, bundler, rake) interleave the two streams.
type ExecResult struct {
	Code   int
	Output []byte
}

// Command describes one invocation of an external tool.
type Command struct {
	// Name is the executable to run, resolved via $PATH.
	Name string
	// Args are the arguments, unquoted.
	Args []string
	// Dir, if set, is the working directory for the command.
	Dir string
	// Env entries of the form KEY=value are appended to the
	// inherited environment.
	Env []string
}

// String renders the invocation for log lines.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Runner executes external commands.
type Runner interface {
	// Run executes cmd and returns its exit code and combined
	// output. A non-zero exit is not an error; err is reserved for
	// failures to start the process at all.
	Run(ctx context.Context, cmd Command) (*ExecResult, error)

	// LookPath reports whether the named executable is resolvable.
	LookPath(name string) bool
}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return &execRunner{}
}

type execRunner struct{}

// Run implements Runner.
func (*execRunner) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	logger.Tracef("running %s", cmd)
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, errors.Annotatef(err, "starting %q", cmd.Name)
		}
	}
	result := &ExecResult{
		Code:   c.ProcessState.ExitCode(),
		Output: out,
	}
	logger.Tracef("%s exited %d", cmd.Name, result.Code)
	return result, nil
}

// LookPath implements Runner.
func (*execRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
