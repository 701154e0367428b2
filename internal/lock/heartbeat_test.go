// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package lock_test

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
	"github.com/docket-dev/docket/internal/lock"
	"github.com/docket-dev/docket/internal/testhelpers"
)

type heartbeatSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&heartbeatSuite{})

func (s *heartbeatSuite) TestValidate(c *gc.C) {
	_, err := lock.NewHeartbeat(lock.HeartbeatConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *heartbeatSuite) TestRenewsOnInterval(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	renewed := make(chan struct{}, 10)
	hb, err := lock.NewHeartbeat(lock.HeartbeatConfig{
		Clock:    clk,
		Logger:   loggertesting.WrapCheckLog(c),
		Interval: 3 * time.Second,
		Renew: func(ctx context.Context) error {
			renewed <- struct{}{}
			return nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, hb)

	for i := 0; i < 3; i++ {
		c.Assert(clk.WaitAdvance(3*time.Second, testhelpers.LongWait, 1), jc.ErrorIsNil)
		select {
		case <-renewed:
		case <-time.After(testhelpers.LongWait):
			c.Fatalf("timed out waiting for renewal %d", i)
		}
	}
}

func (s *heartbeatSuite) TestRenewErrorIsReportedNotFatal(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	reported := make(chan error, 10)
	hb, err := lock.NewHeartbeat(lock.HeartbeatConfig{
		Clock:    clk,
		Logger:   loggertesting.WrapCheckLog(c),
		Interval: time.Second,
		Renew: func(ctx context.Context) error {
			return errors.New("store unreachable")
		},
		OnError: func(err error) {
			reported <- err
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, hb)

	c.Assert(clk.WaitAdvance(time.Second, testhelpers.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-reported:
		c.Check(err, gc.ErrorMatches, "store unreachable")
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for error report")
	}

	// The worker survives renewal errors.
	workertest.CheckAlive(c, hb)
}
