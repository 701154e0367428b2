// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package docket

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"go.mongodb.org/mongo-driver/mongo"
)

type optionsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&optionsSuite{})

func (s *optionsSuite) TestRequiresDB(c *gc.C) {
	opts := Options{}
	c.Assert(opts.Validate(), jc.ErrorIs, errors.NotValid)
}

func (s *optionsSuite) TestDefaults(c *gc.C) {
	opts := Options{DB: &mongo.Database{}}
	c.Assert(opts.Validate(), jc.ErrorIsNil)

	c.Check(opts.Name, gc.Equals, "docket")
	c.Check(opts.InstanceID, gc.Not(gc.Equals), "")
	c.Check(opts.CollectionPrefix, gc.Equals, DefaultCollectionPrefix)
	c.Check(opts.Logger, gc.NotNil)
	c.Check(opts.Clock, gc.NotNil)
	c.Check(opts.Debounce, gc.Equals, DefaultDebounce)
	c.Check(opts.WorkerConcurrency, gc.Equals, 1)
	c.Check(opts.WorkerMinPoll, gc.Equals, DefaultWorkerMinPoll)
	c.Check(opts.WorkerMaxPoll, gc.Equals, DefaultWorkerMaxPoll)
}

func (s *optionsSuite) TestInstanceIDsDiffer(c *gc.C) {
	a := Options{DB: &mongo.Database{}}
	b := Options{DB: &mongo.Database{}}
	c.Assert(a.Validate(), jc.ErrorIsNil)
	c.Assert(b.Validate(), jc.ErrorIsNil)
	c.Check(a.InstanceID, gc.Not(gc.Equals), b.InstanceID)
}

func (s *optionsSuite) TestRejectsBadValues(c *gc.C) {
	opts := Options{DB: &mongo.Database{}, Debounce: -time.Second}
	c.Check(opts.Validate(), jc.ErrorIs, errors.NotValid)

	opts = Options{DB: &mongo.Database{}, WorkerConcurrency: -1}
	c.Check(opts.Validate(), jc.ErrorIs, errors.NotValid)

	opts = Options{
		DB:            &mongo.Database{},
		WorkerMinPoll: time.Second,
		WorkerMaxPoll: time.Millisecond,
	}
	c.Check(opts.Validate(), jc.ErrorIs, errors.NotValid)
}

func (s *optionsSuite) TestCollectionNamesFollowPrefix(c *gc.C) {
	opts := Options{DB: &mongo.Database{}, CollectionPrefix: "app"}
	c.Assert(opts.Validate(), jc.ErrorIsNil)

	c.Check(opts.itemsCollection(), gc.Equals, "app.items")
	c.Check(opts.metaCollection(), gc.Equals, "app.meta")
	c.Check(opts.cronCollection(), gc.Equals, "app.cron")
	c.Check(opts.locksCollection(), gc.Equals, "app.locks")
}
