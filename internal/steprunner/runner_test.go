// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package steprunner_test

import (
	"context"
	"errors"
	stdtesting "testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	jujuerrors "github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/redmine-provision/internal/shell"
	"github.com/juju/redmine-provision/internal/shell/shelltest"
	"github.com/juju/redmine-provision/internal/steprunner"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type runnerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&runnerSuite{})

const longWait = 10 * time.Second

func (s *runnerSuite) spec(name string, attempts int) steprunner.Spec {
	return steprunner.Spec{
		Name:     name,
		Command:  shell.Command{Name: "bundle", Args: []string{"install"}},
		Attempts: attempts,
		Delay:    time.Millisecond,
		Clock:    clock.WallClock,
	}
}

func (s *runnerSuite) TestAlwaysFailingExhaustsAttempts(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 1, Output: "could not fetch"},
		shelltest.Response{Code: 1, Output: "could not fetch"},
		shelltest.Response{Code: 1, Output: "still broken"},
	)

	result, err := steprunner.Run(context.Background(), fake, s.spec("bundle install", 3))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Succeeded, jc.IsFalse)
	c.Check(result.Attempts, gc.Equals, 3)
	c.Check(result.ExitCode, gc.Equals, 1)
	c.Check(string(result.Output), gc.Equals, "still broken")
	c.Check(fake.CallsFor("bundle"), gc.HasLen, 3)
}

func (s *runnerSuite) TestSucceedsMidway(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 0, Output: "Bundle complete!"},
	)

	result, err := steprunner.Run(context.Background(), fake, s.spec("bundle install", 5))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Succeeded, jc.IsTrue)
	c.Check(result.Attempts, gc.Equals, 2)
	c.Check(result.ExitCode, gc.Equals, 0)
	// No further invocation after the success.
	c.Check(fake.CallsFor("bundle"), gc.HasLen, 2)
}

func (s *runnerSuite) TestRepairRunsBeforeEachRetry(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 0},
	)

	var repairs int
	spec := s.spec("bundle install", 3)
	spec.Repair = func(context.Context) error {
		repairs++
		// The repair must run before the retry, never after the
		// attempt that is about to be made.
		c.Check(repairs, gc.Equals, len(fake.CallsFor("bundle")))
		return nil
	}

	result, err := steprunner.Run(context.Background(), fake, spec)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Succeeded, jc.IsTrue)
	c.Check(result.Attempts, gc.Equals, 3)
	c.Check(repairs, gc.Equals, 2)
}

func (s *runnerSuite) TestVerifyFailureFailsAttempt(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 0},
		shelltest.Response{Code: 0},
	)

	verified := 0
	spec := s.spec("bundle install", 3)
	spec.Verify = func(context.Context) error {
		verified++
		if verified == 1 {
			return errors.New("rails still not resolvable")
		}
		return nil
	}

	result, err := steprunner.Run(context.Background(), fake, spec)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Succeeded, jc.IsTrue)
	c.Check(result.Attempts, gc.Equals, 2)
	c.Check(verified, gc.Equals, 2)
}

func (s *runnerSuite) TestStartFailureCountsAsAttempt(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Err: errors.New(`starting "bundle": executable not found`)},
	)

	result, err := steprunner.Run(context.Background(), fake, s.spec("bundle install", 1))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Succeeded, jc.IsFalse)
	c.Check(result.Attempts, gc.Equals, 1)
	c.Check(result.ExitCode, gc.Equals, -1)
	c.Check(string(result.Output), jc.Contains, "executable not found")
}

func (s *runnerSuite) TestDelayBetweenAttempts(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 1},
	)

	clk := testclock.NewClock(time.Time{})
	spec := s.spec("bundle install", 3)
	spec.Delay = 10 * time.Second
	spec.Clock = clk

	done := make(chan steprunner.Result)
	go func() {
		result, err := steprunner.Run(context.Background(), fake, spec)
		c.Check(err, jc.ErrorIsNil)
		done <- result
	}()

	// Two delays separate the three attempts; none follows the last.
	c.Assert(clk.WaitAdvance(10*time.Second, longWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(10*time.Second, longWait, 1), jc.ErrorIsNil)

	select {
	case result := <-done:
		c.Check(result.Succeeded, jc.IsFalse)
		c.Check(result.Attempts, gc.Equals, 3)
	case <-time.After(longWait):
		c.Fatalf("runner did not finish")
	}
}

func (s *runnerSuite) TestCancelledContext(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle", shelltest.Response{Code: 1})

	clk := testclock.NewClock(time.Time{})
	spec := s.spec("bundle install", 3)
	spec.Delay = time.Minute
	spec.Clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := steprunner.Run(ctx, fake, spec)
		done <- err
	}()

	// Let the first attempt fail and the runner settle into its
	// delay, then cancel.
	c.Assert(clk.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
	cancel()

	select {
	case err := <-done:
		c.Check(err, gc.NotNil)
	case <-time.After(longWait):
		c.Fatalf("runner did not observe cancellation")
	}
}

func (s *runnerSuite) TestInvalidSpec(c *gc.C) {
	_, err := steprunner.Run(context.Background(), shelltest.NewRunner(), steprunner.Spec{})
	c.Check(err, jc.ErrorIs, jujuerrors.NotValid)
}

func (s *runnerSuite) TestZeroDelayRejectedUpfront(c *gc.C) {
	fake := shelltest.NewRunner()
	fake.Script("bundle",
		shelltest.Response{Code: 1},
		shelltest.Response{Code: 0},
	)

	spec := s.spec("bundle install", 3)
	spec.Delay = 0

	result, err := steprunner.Run(context.Background(), fake, spec)
	c.Check(err, jc.ErrorIs, jujuerrors.NotValid)
	c.Check(err, gc.ErrorMatches, `step "bundle install" with 0s delay not valid`)
	c.Check(result.Attempts, gc.Equals, 0)
	c.Check(fake.CallsFor("bundle"), gc.HasLen, 0)
}
