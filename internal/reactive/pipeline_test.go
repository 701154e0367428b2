// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.mongodb.org/mongo-driver/bson"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/filter"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/policy"
	"github.com/docket-dev/docket/core/task"
)

type pipelineSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&pipelineSuite{})

func (s *pipelineSuite) newTask(c *gc.C, mutate func(*task.Reactive)) *task.Reactive {
	t := &task.Reactive{
		Name:            "index",
		Collection:      "orders",
		Filter:          filter.Eq("status", "active"),
		WatchProjection: []string{"status", "total"},
		Handler:         noopHandler,
		Debounce:        2 * time.Second,
		ItemsCollection: "docket.items",
	}
	if mutate != nil {
		mutate(t)
	}
	c.Assert(t.Validate(), jc.ErrorIsNil)
	return t
}

func field(c *gc.C, d bson.D, key string) interface{} {
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	c.Fatalf("key %q not found in %v", key, d)
	return nil
}

func (s *pipelineSuite) TestStagesWithIDs(c *gc.C) {
	t := s.newTask(c, nil)
	ids := []interface{}{1, 2}
	p := planItems(t, ids)
	c.Assert(p, gc.HasLen, 5)

	c.Check(p[0], jc.DeepEquals, bson.D{{Key: "$match", Value: bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
	}}})
	c.Check(p[1], jc.DeepEquals, bson.D{{Key: "$match", Value: bson.D{
		{Key: "status", Value: "active"},
	}}})
	c.Check(p[2][0].Key, gc.Equals, "$project")
	c.Check(p[3][0].Key, gc.Equals, "$set")
	c.Check(p[4][0].Key, gc.Equals, "$merge")
}

func (s *pipelineSuite) TestStagesWithoutIDsOrFilter(c *gc.C) {
	t := s.newTask(c, func(t *task.Reactive) { t.Filter = filter.All() })
	p := planItems(t, nil)
	c.Assert(p, gc.HasLen, 3)
	c.Check(p[0][0].Key, gc.Equals, "$project")
}

func (s *pipelineSuite) TestProjectedIdentity(c *gc.C) {
	t := s.newTask(c, nil)
	p := planItems(t, nil)

	project := field(c, p[1], "$project").(bson.D)
	c.Check(field(c, project, "_id"), jc.DeepEquals, bson.D{{Key: "$concat", Value: bson.A{
		"index:", bson.D{{Key: "$toString", Value: "$_id"}},
	}}})
	c.Check(field(c, project, "task"), gc.Equals, "index")
	c.Check(field(c, project, "sourceDocId"), gc.Equals, "$_id")
	c.Check(field(c, project, "lastObservedValues"), jc.DeepEquals, bson.D{
		{Key: "status", Value: "$status"},
		{Key: "total", Value: "$total"},
	})
}

func (s *pipelineSuite) TestWholeDocumentSnapshotWithoutProjection(c *gc.C) {
	t := s.newTask(c, func(t *task.Reactive) { t.WatchProjection = nil })
	p := planItems(t, nil)
	project := field(c, p[1], "$project").(bson.D)
	c.Check(field(c, project, "lastObservedValues"), gc.Equals, "$$ROOT")
}

func (s *pipelineSuite) TestDebounceSchedule(c *gc.C) {
	t := s.newTask(c, nil)
	p := planItems(t, nil)
	set := field(c, p[2], "$set").(bson.D)
	c.Check(field(c, set, "scheduledAt"), jc.DeepEquals, bson.D{
		{Key: "$add", Value: bson.A{"$$NOW", int64(2000)}},
	})
	c.Check(field(c, set, "status"), gc.Equals, item.StatusPending)
}

func (s *pipelineSuite) TestMergeTarget(c *gc.C) {
	t := s.newTask(c, nil)
	p := planItems(t, nil)
	merge := field(c, p[3], "$merge").(bson.D)
	c.Check(field(c, merge, "into"), gc.Equals, "docket.items")
	c.Check(field(c, merge, "on"), gc.Equals, "_id")
	c.Check(field(c, merge, "whenNotMatched"), gc.Equals, "insert")
}

func (s *pipelineSuite) TestMatchedBranchesWithRetryReset(c *gc.C) {
	t := s.newTask(c, nil)
	branches := s.statusBranches(c, t)
	// processing goes dirty, completed and failed restart as pending.
	c.Assert(branches, gc.HasLen, 3)
}

func (s *pipelineSuite) TestMatchedBranchesWithoutRetryReset(c *gc.C) {
	t := s.newTask(c, func(t *task.Reactive) {
		t.Retry = policy.Retry{
			Kind:                     policy.RetryFixed,
			Interval:                 time.Minute,
			DisableResetOnDataChange: true,
		}
	})
	branches := s.statusBranches(c, t)
	// Failed items stay failed when the policy does not reset on change.
	c.Assert(branches, gc.HasLen, 2)
}

func (s *pipelineSuite) TestRestartConditionsWithRetryReset(c *gc.C) {
	t := s.newTask(c, nil)
	restart := s.restartConditions(c, t)
	// A watched-data change starts a fresh retry cycle for completed and
	// failed items, and for a pending item partway through its retries.
	c.Assert(restart, gc.HasLen, 3)
	statuses := make([]interface{}, len(restart))
	for i, cond := range restart {
		and := cond.(bson.D)[0].Value.(bson.A)
		eq := and[1].(bson.D)[0].Value.(bson.A)
		statuses[i] = eq[1]
	}
	c.Check(statuses, jc.SameContents, []interface{}{
		item.StatusCompleted, item.StatusFailed, item.StatusPending,
	})
}

func (s *pipelineSuite) TestRestartConditionsWithoutRetryReset(c *gc.C) {
	t := s.newTask(c, func(t *task.Reactive) {
		t.Retry = policy.Retry{
			Kind:                     policy.RetryFixed,
			Interval:                 time.Minute,
			DisableResetOnDataChange: true,
		}
	})
	restart := s.restartConditions(c, t)
	// Only a completed item restarts; failed and pending keep their streak.
	c.Assert(restart, gc.HasLen, 1)
}

// restartConditions extracts the $or driving the attempts reset.
func (s *pipelineSuite) restartConditions(c *gc.C, t *task.Reactive) bson.A {
	matched := mergeMatched(t)
	set := field(c, matched[0].(bson.D), "$set").(bson.D)
	cond := field(c, set, "attempts").(bson.D)
	c.Assert(cond[0].Key, gc.Equals, "$cond")
	or := cond[0].Value.(bson.A)[0].(bson.D)
	c.Assert(or[0].Key, gc.Equals, "$or")
	return or[0].Value.(bson.A)
}

func (s *pipelineSuite) statusBranches(c *gc.C, t *task.Reactive) bson.A {
	matched := mergeMatched(t)
	c.Assert(matched, gc.HasLen, 1)
	set := field(c, matched[0].(bson.D), "$set").(bson.D)
	sw := field(c, set, "status").(bson.D)
	c.Assert(sw[0].Key, gc.Equals, "$switch")
	return field(c, sw[0].Value.(bson.D), "branches").(bson.A)
}
