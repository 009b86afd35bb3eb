// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package steprunner executes one provisioning step at a time:
// run an external command, retry on failure a bounded number of
// times with a delay between attempts, and report the outcome with
// the captured diagnostics. Whether a failed outcome is fatal is the
// caller's decision; the runner never aborts the process.
package steprunner

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/redmine-provision/internal/shell"
)

var logger = loggo.GetLogger("provision.steprunner")

// Spec describes one retried step.
type Spec struct {
	// Name identifies the step in log lines.
	Name string

	// Command is the external invocation to retry.
	Command shell.Command

	// Attempts is the bound on invocations, at least 1.
	Attempts int

	// Delay is the wait between attempts.
	Delay time.Duration

	// BackoffFunc, if set, grows the delay between attempts
	// (retry.DoubleDelay is the usual choice). Nil keeps it fixed.
	BackoffFunc func(time.Duration, int) time.Duration

	// Repair, if set, runs before every attempt after the first,
	// e.g. removing a stale lock file.
	Repair func(ctx context.Context) error

	// Verify, if set, runs after a zero exit; a non-nil error fails
	// the attempt even though the command itself succeeded.
	Verify func(ctx context.Context) error

	// Clock drives the inter-attempt delays.
	Clock clock.Clock
}

// Result is the outcome of a step.
type Result struct {
	// Succeeded reports whether some attempt exited zero (and
	// passed verification).
	Succeeded bool

	// Attempts is the number of invocations actually made.
	Attempts int

	// ExitCode is the exit code of the last invocation. It is -1
	// when the command could not be started at all.
	ExitCode int

	// Output is the combined output of the last invocation.
	Output []byte
}

// Validate returns an error if the spec cannot be run.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("spec with empty name")
	}
	if s.Command.Name == "" {
		return errors.NotValidf("step %q without command", s.Name)
	}
	if s.Attempts < 1 {
		return errors.NotValidf("step %q with %d attempts", s.Name, s.Attempts)
	}
	if s.Delay <= 0 {
		return errors.NotValidf("step %q with %v delay", s.Name, s.Delay)
	}
	if s.Clock == nil {
		return errors.NotValidf("step %q without clock", s.Name)
	}
	return nil
}

// Run executes the step. The returned error is non-nil only for
// invalid specs or a cancelled context; exhausting the attempts is
// reported through the Result so that the caller can apply its own
// severity.
func Run(ctx context.Context, runner shell.Runner, spec Spec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}

	var result Result
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if result.Attempts > 0 && spec.Repair != nil {
				if err := spec.Repair(ctx); err != nil {
					logger.Warningf("step %q: repair before retry failed: %v", spec.Name, err)
				}
			}
			result.Attempts++

			res, err := runner.Run(ctx, spec.Command)
			if err != nil {
				result.ExitCode = -1
				result.Output = []byte(err.Error())
				return errors.Trace(err)
			}
			result.ExitCode = res.Code
			result.Output = res.Output
			if res.Code != 0 {
				return fmt.Errorf("exit status %d", res.Code)
			}
			if spec.Verify != nil {
				if err := spec.Verify(ctx); err != nil {
					return errors.Annotate(err, "verification")
				}
			}
			result.Succeeded = true
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("step %q attempt %d of %d: %v", spec.Name, attempt, spec.Attempts, err)
		},
		Attempts:    spec.Attempts,
		Delay:       spec.Delay,
		BackoffFunc: spec.BackoffFunc,
		Clock:       spec.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return result, nil
	}
	if retry.IsAttemptsExceeded(err) {
		logger.Warningf("step %q failed after %d attempts", spec.Name, result.Attempts)
		return result, nil
	}
	if retry.IsRetryStopped(err) {
		return result, errors.Annotatef(ctx.Err(), "step %q interrupted", spec.Name)
	}
	return result, errors.Trace(err)
}
