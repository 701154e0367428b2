// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package policy_test

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/policy"
)

type retrySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&retrySuite{})

var refTime = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

func (s *retrySuite) TestFixed(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryFixed, Interval: 50 * time.Millisecond}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	for attempts := 1; attempts <= 4; attempts++ {
		c.Check(r.NextAttempt(attempts, refTime), gc.Equals, refTime.Add(50*time.Millisecond))
	}
}

func (s *retrySuite) TestLinear(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryLinear, Interval: time.Second}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	c.Check(r.NextAttempt(1, refTime), gc.Equals, refTime.Add(time.Second))
	c.Check(r.NextAttempt(3, refTime), gc.Equals, refTime.Add(3*time.Second))
}

func (s *retrySuite) TestExponential(c *gc.C) {
	r := policy.Retry{
		Kind:   policy.RetryExponential,
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
	}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	c.Check(r.NextAttempt(1, refTime), gc.Equals, refTime.Add(100*time.Millisecond))
	c.Check(r.NextAttempt(2, refTime), gc.Equals, refTime.Add(200*time.Millisecond))
	c.Check(r.NextAttempt(3, refTime), gc.Equals, refTime.Add(400*time.Millisecond))
	// Attempt 8 would be 12.8s unclamped.
	c.Check(r.NextAttempt(8, refTime), gc.Equals, refTime.Add(10*time.Second))
	c.Check(r.NextAttempt(100, refTime), gc.Equals, refTime.Add(10*time.Second))
}

func (s *retrySuite) TestExponentialDefaultFactor(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryExponential, Min: time.Second, Max: time.Minute}
	c.Assert(r.Validate(), jc.ErrorIsNil)
	c.Check(r.NextAttempt(2, refTime), gc.Equals, refTime.Add(2*time.Second))
}

func (s *retrySuite) TestSeries(c *gc.C) {
	r := policy.Retry{
		Kind:      policy.RetrySeries,
		Intervals: []time.Duration{time.Second, time.Minute, time.Hour},
	}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	c.Check(r.NextAttempt(1, refTime), gc.Equals, refTime.Add(time.Second))
	c.Check(r.NextAttempt(2, refTime), gc.Equals, refTime.Add(time.Minute))
	c.Check(r.NextAttempt(3, refTime), gc.Equals, refTime.Add(time.Hour))
	c.Check(r.NextAttempt(9, refTime), gc.Equals, refTime.Add(time.Hour))
}

func (s *retrySuite) TestCron(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryCron, Expression: "0 3 * * *"}
	c.Assert(r.Validate(), jc.ErrorIsNil)
	c.Check(r.NextAttempt(1, refTime), gc.Equals, time.Date(2023, 6, 2, 3, 0, 0, 0, time.UTC))
}

func (s *retrySuite) TestShouldFailDefaultAttempts(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryFixed, Interval: time.Second}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	c.Check(r.ShouldFail(4, refTime, refTime), jc.IsFalse)
	c.Check(r.ShouldFail(5, refTime, refTime), jc.IsTrue)
}

func (s *retrySuite) TestShouldFailInfinite(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryFixed, Interval: time.Second, MaxAttempts: -1}
	c.Assert(r.Validate(), jc.ErrorIsNil)
	c.Check(r.ShouldFail(100000, refTime, refTime), jc.IsFalse)
}

func (s *retrySuite) TestShouldFailMaxDuration(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryFixed, Interval: time.Second, MaxDuration: time.Minute}
	c.Assert(r.Validate(), jc.ErrorIsNil)

	// Duration alone bounds the streak; the attempt default is lifted.
	c.Check(r.ShouldFail(50, refTime, refTime.Add(30*time.Second)), jc.IsFalse)
	c.Check(r.ShouldFail(50, refTime, refTime.Add(time.Minute)), jc.IsTrue)
}

func (s *retrySuite) TestValidateRejectsBadPolicies(c *gc.C) {
	for _, r := range []policy.Retry{
		{Kind: policy.RetryFixed},
		{Kind: policy.RetryExponential, Min: time.Second, Max: time.Millisecond},
		{Kind: policy.RetryExponential, Min: time.Second, Max: time.Minute, Factor: 0.5},
		{Kind: policy.RetrySeries},
		{Kind: policy.RetryCron, Expression: "not a cron"},
		{Kind: "bananas"},
	} {
		r := r
		c.Check(r.Validate(), gc.NotNil, gc.Commentf("%+v", r))
	}
}

func (s *retrySuite) TestResetOnDataChangeDefault(c *gc.C) {
	r := policy.Retry{Kind: policy.RetryFixed, Interval: time.Second}
	c.Check(r.ResetOnDataChange(), jc.IsTrue)
	r.DisableResetOnDataChange = true
	c.Check(r.ResetOnDataChange(), jc.IsFalse)
}

type cleanupSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cleanupSuite{})

func (s *cleanupSuite) TestValidateDefaults(c *gc.C) {
	var p policy.Cleanup
	c.Assert(p.Validate(), jc.ErrorIsNil)
	c.Check(p.DeleteWhen, gc.Equals, policy.DeleteWhenSourceDeleted)
}

func (s *cleanupSuite) TestEligibleHonoursKeepFor(c *gc.C) {
	p := policy.Cleanup{
		DeleteWhen: policy.DeleteWhenSourceDeletedOrNoLongerMatching,
		KeepFor:    100 * time.Millisecond,
	}
	c.Assert(p.Validate(), jc.ErrorIsNil)

	finalized := refTime
	c.Check(p.Eligible(finalized, refTime.Add(50*time.Millisecond)), jc.IsFalse)
	c.Check(p.Eligible(finalized, refTime.Add(100*time.Millisecond)), jc.IsTrue)
	c.Check(p.Eligible(finalized, refTime.Add(200*time.Millisecond)), jc.IsTrue)
}

func (s *cleanupSuite) TestNeverIsNeverEligible(c *gc.C) {
	p := policy.Cleanup{DeleteWhen: policy.DeleteNever}
	c.Assert(p.Validate(), jc.ErrorIsNil)
	c.Check(p.Eligible(refTime, refTime.Add(time.Hour)), jc.IsFalse)
}
