// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/redmine-provision/internal/shell"
)

// Response is one scripted reply from the fake runner.
type Response struct {
	Code   int
	Output string
	Err    error
}

// Runner is a shell.Runner that replies from a script. Replies are
// matched per executable name in FIFO order; when an executable's
// script is exhausted the zero Response (exit 0, no output) is used.
// All invocations are recorded in Calls.
type Runner struct {
	mu      sync.Mutex
	scripts map[string][]Response

	// Calls records every invocation in order.
	Calls []shell.Command

	// MissingPaths lists executables LookPath reports as absent.
	MissingPaths []string
}

// NewRunner returns an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{scripts: make(map[string][]Response)}
}

// Script appends replies for invocations of name.
func (r *Runner) Script(name string, responses ...Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = append(r.scripts[name], responses...)
}

// Run implements shell.Runner.
func (r *Runner) Run(_ context.Context, cmd shell.Command) (*shell.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, cmd)
	var resp Response
	if queue := r.scripts[cmd.Name]; len(queue) > 0 {
		resp, r.scripts[cmd.Name] = queue[0], queue[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &shell.ExecResult{Code: resp.Code, Output: []byte(resp.Output)}, nil
}

// LookPath implements shell.Runner.
func (r *Runner) LookPath(name string) bool {
	for _, missing := range r.MissingPaths {
		if missing == name {
			return false
		}
	}
	return true
}

// CallsFor returns the recorded invocations of name.
func (r *Runner) CallsFor(name string) []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shell.Command
	for _, call := range r.Calls {
		if call.Name == name {
			out = append(out, call)
		}
	}
	return out
}

// CallLines renders the recorded invocations, one per line, for
// convenient matching in tests.
func (r *Runner) CallLines() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.Calls))
	for i, call := range r.Calls {
		lines[i] = call.String()
	}
	return strings.Join(lines, "\n")
}
