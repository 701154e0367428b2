// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package poller_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	loggertesting "github.com/docket-dev/docket/core/logger/testing"
	"github.com/docket-dev/docket/internal/poller"
	"github.com/docket-dev/docket/internal/testhelpers"
)

type runnerSuite struct {
	testing.IsolationSuite

	clock *testclock.Clock
	polls chan string
}

var _ = gc.Suite(&runnerSuite{})

func (s *runnerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.polls = make(chan string, 100)
}

func (s *runnerSuite) newRunner(c *gc.C) *poller.Runner {
	r, err := poller.NewRunner(poller.Config{
		Clock:       s.clock,
		Logger:      loggertesting.WrapCheckLog(c),
		Concurrency: 1,
	})
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *runnerSuite) expectPoll(c *gc.C, name string) {
	select {
	case got := <-s.polls:
		c.Assert(got, gc.Equals, name)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for poll of %q", name)
	}
}

func (s *runnerSuite) expectNoPoll(c *gc.C) {
	select {
	case got := <-s.polls:
		c.Fatalf("unexpected poll of %q", got)
	case <-time.After(testhelpers.ShortWait):
	}
}

func (s *runnerSuite) TestConfigValidation(c *gc.C) {
	_, err := poller.NewRunner(poller.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *runnerSuite) TestDuplicateRegistration(c *gc.C) {
	r := s.newRunner(c)
	cfg := poller.SourceConfig{MinPoll: time.Second, MaxPoll: time.Minute}
	c.Assert(r.Register("tasks", cfg), jc.ErrorIsNil)
	c.Assert(r.Register("tasks", cfg), jc.ErrorIs, errors.AlreadyExists)
	c.Check(r.HasSource("tasks"), jc.IsTrue)
	c.Check(r.HasSource("other"), jc.IsFalse)
}

func (s *runnerSuite) TestPollsImmediatelyThenBacksOff(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: 100 * time.Millisecond,
		MaxPoll: time.Second,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	// A freshly registered source is due immediately.
	s.expectPoll(c, "tasks")

	// Backoff doubles: 100ms, 200ms, 400ms...
	for _, wait := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	} {
		c.Assert(s.clock.WaitAdvance(wait, testhelpers.LongWait, 1), jc.ErrorIsNil)
		s.expectPoll(c, "tasks")
	}
}

func (s *runnerSuite) TestBackoffIsCapped(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: 100 * time.Millisecond,
		MaxPoll: 150 * time.Millisecond,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	s.expectPoll(c, "tasks")
	c.Assert(s.clock.WaitAdvance(100*time.Millisecond, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.expectPoll(c, "tasks")

	// Subsequent waits stay at the 150ms ceiling.
	for i := 0; i < 3; i++ {
		c.Assert(s.clock.WaitAdvance(150*time.Millisecond, testhelpers.LongWait, 1), jc.ErrorIsNil)
		s.expectPoll(c, "tasks")
	}
}

func (s *runnerSuite) TestSpeedUpResetsBackoffAndWakes(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: 100 * time.Millisecond,
		MaxPoll: time.Hour,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	s.expectPoll(c, "tasks")

	// The worker is now asleep until the backoff elapses; SpeedUp makes
	// the source due at once without touching the clock.
	c.Assert(s.clock.WaitAdvance(0, testhelpers.LongWait, 1), jc.ErrorIsNil)
	r.SpeedUp("tasks")
	s.expectPoll(c, "tasks")

	// And the backoff was reset to the floor. The abandoned timer from
	// before the wake-up still counts as a waiter.
	c.Assert(s.clock.WaitAdvance(100*time.Millisecond, testhelpers.LongWait, 2), jc.ErrorIsNil)
	s.expectPoll(c, "tasks")
}

func (s *runnerSuite) TestSpeedUpUnknownSourceIgnored(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	r.SpeedUp("nope")
	s.expectNoPoll(c)
}

func (s *runnerSuite) TestPicksEarliestSource(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("fast", poller.SourceConfig{
		MinPoll: 100 * time.Millisecond,
		MaxPoll: 100 * time.Millisecond,
	}), jc.ErrorIsNil)
	c.Assert(r.Register("slow", poller.SourceConfig{
		MinPoll: time.Hour,
		MaxPoll: time.Hour,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	// Both are due immediately, in some order.
	first, second := <-s.polls, <-s.polls
	c.Check([]string{first, second}, jc.SameContents, []string{"fast", "slow"})

	// From here on only the fast source fires.
	c.Assert(s.clock.WaitAdvance(100*time.Millisecond, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.expectPoll(c, "fast")
}

func (s *runnerSuite) TestRegisterBeforeStartLeavesNoStaleWake(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: 100 * time.Millisecond,
		MaxPoll: time.Second,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	s.expectPoll(c, "tasks")

	// Exactly one timer waiter: a wake banked by pre-start registration
	// would have made the worker spin and abandon a first timer.
	c.Assert(s.clock.WaitAdvance(100*time.Millisecond, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.expectPoll(c, "tasks")
	s.expectNoPoll(c)
}

func (s *runnerSuite) TestRegisterAfterStartWakesSleeper(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)
	defer workertest.CleanKill(c, r)

	c.Assert(r.Register("late", poller.SourceConfig{
		MinPoll: time.Hour,
		MaxPoll: time.Hour,
	}), jc.ErrorIsNil)
	s.expectPoll(c, "late")
}

func (s *runnerSuite) TestTryRunContextOutlivesStartCaller(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: time.Hour,
		MaxPoll: time.Hour,
	}), jc.ErrorIsNil)

	ctxs := make(chan context.Context, 1)
	c.Assert(r.Start(func(ctx context.Context, name string) {
		ctxs <- ctx
		s.polls <- name
	}), jc.ErrorIsNil)

	s.expectPoll(c, "tasks")
	var got context.Context
	select {
	case got = <-ctxs:
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for poll context")
	}
	c.Check(got.Err(), jc.ErrorIsNil)

	// The context dies with the runner, not with whoever called Start.
	c.Assert(r.Stop(), jc.ErrorIsNil)
	c.Check(got.Err(), gc.NotNil)
}

func (s *runnerSuite) TestStopJoinsWorkers(c *gc.C) {
	r := s.newRunner(c)
	c.Assert(r.Register("tasks", poller.SourceConfig{
		MinPoll: time.Hour,
		MaxPoll: time.Hour,
	}), jc.ErrorIsNil)
	c.Assert(r.Start(func(ctx context.Context, name string) { s.polls <- name }), jc.ErrorIsNil)

	s.expectPoll(c, "tasks")
	c.Assert(r.Stop(), jc.ErrorIsNil)
}
