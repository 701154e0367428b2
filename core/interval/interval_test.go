// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package interval_test

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/interval"
)

type intervalSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&intervalSuite{})

func (s *intervalSuite) TestParseMilliseconds(c *gc.C) {
	iv, err := interval.Parse("3600000")
	c.Assert(err, jc.ErrorIsNil)

	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	c.Check(iv.Next(ref), gc.Equals, ref.Add(time.Hour))
	c.Check(iv.IsCron(), jc.IsFalse)
}

func (s *intervalSuite) TestParseDurationString(c *gc.C) {
	for _, test := range []struct {
		in   string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
		{"500ms", 500 * time.Millisecond},
	} {
		iv, err := interval.Parse(test.in)
		c.Assert(err, jc.ErrorIsNil, gc.Commentf("input %q", test.in))

		ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
		c.Check(iv.Next(ref), gc.Equals, ref.Add(test.want))
	}
}

func (s *intervalSuite) TestParseCron(c *gc.C) {
	iv, err := interval.Parse("CRON 0 3 * * *")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(iv.IsCron(), jc.IsTrue)

	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	c.Check(iv.Next(ref), gc.Equals, time.Date(2023, 1, 2, 3, 0, 0, 0, time.UTC))
}

func (s *intervalSuite) TestParseCronCaseInsensitive(c *gc.C) {
	iv, err := interval.Parse("cron */10 * * * * *")
	c.Assert(err, jc.ErrorIsNil)

	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	c.Check(iv.Next(ref), gc.Equals, time.Date(2023, 1, 1, 10, 0, 10, 0, time.UTC))
}

func (s *intervalSuite) TestParseCronSecondsField(c *gc.C) {
	// A six-field expression carries a leading seconds field; successive
	// occurrences must land seconds apart, not minutes.
	iv, err := interval.Parse("CRON */10 * * * * *")
	c.Assert(err, jc.ErrorIsNil)

	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	next := iv.Next(ref)
	c.Check(next, gc.Equals, time.Date(2023, 1, 1, 10, 0, 10, 0, time.UTC))
	c.Check(iv.Next(next), gc.Equals, time.Date(2023, 1, 1, 10, 0, 20, 0, time.UTC))
}

func (s *intervalSuite) TestParseBareCronRejected(c *gc.C) {
	_, err := interval.Parse("0 3 * * *")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `.*looks like a cron expression.*`)
}

func (s *intervalSuite) TestParseGarbage(c *gc.C) {
	for _, in := range []string{"", "bananas", "-5m", "0"} {
		_, err := interval.Parse(in)
		c.Check(err, gc.NotNil, gc.Commentf("input %q", in))
	}
}

func (s *intervalSuite) TestEvery(c *gc.C) {
	iv := interval.Every(time.Minute)
	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	c.Check(iv.Next(ref), gc.Equals, ref.Add(time.Minute))
	c.Check(iv.IsZero(), jc.IsFalse)
}

func (s *intervalSuite) TestIsZero(c *gc.C) {
	var iv interval.Interval
	c.Check(iv.IsZero(), jc.IsTrue)
}
