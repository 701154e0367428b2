// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/collections/set"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.mongodb.org/mongo-driver/bson"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/task"
)

type workerSuite struct {
	testing.IsolationSuite

	clock *testclock.Clock
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
}

func (s *workerSuite) newWorker(c *gc.C, taskFilter ...string) *Worker {
	r := NewRegistry(time.Second, "docket.items")
	c.Assert(r.Add(&task.Reactive{Name: "a", Collection: "orders", Handler: noopHandler}), jc.ErrorIsNil)
	c.Assert(r.Add(&task.Reactive{Name: "b", Collection: "users", Handler: noopHandler}), jc.ErrorIsNil)
	w := &Worker{
		cfg: WorkerConfig{
			Registry: r,
			Clock:    s.clock,
		},
		throttled: make(map[string]time.Time),
	}
	if len(taskFilter) > 0 {
		w.filter = set.NewStrings(taskFilter...)
	}
	return w
}

func (s *workerSuite) TestRunnableAllTasks(c *gc.C) {
	w := s.newWorker(c)
	c.Check(w.runnable("docket.items"), jc.SameContents, []string{"a", "b"})
	c.Check(w.runnable("unknown.items"), gc.HasLen, 0)
}

func (s *workerSuite) TestRunnableHonoursTaskFilter(c *gc.C) {
	w := s.newWorker(c, "b")
	c.Check(w.runnable("docket.items"), jc.DeepEquals, []string{"b"})
}

func (s *workerSuite) TestRunnableHonoursThrottle(c *gc.C) {
	w := s.newWorker(c)
	w.throttle("a", s.clock.Now().Add(time.Minute))
	c.Check(w.runnable("docket.items"), jc.DeepEquals, []string{"b"})

	// The throttle expires with time.
	s.clock.Advance(2 * time.Minute)
	c.Check(w.runnable("docket.items"), jc.SameContents, []string{"a", "b"})
}

func (s *workerSuite) TestPushHistoryShape(c *gc.C) {
	exec := item.Execution{Duration: time.Second}
	got := pushHistory(exec, 3)
	c.Check(got, jc.DeepEquals, bson.D{{Key: "executionHistory", Value: bson.D{
		{Key: "$each", Value: bson.A{exec}},
		{Key: "$position", Value: 0},
		{Key: "$slice", Value: 3},
	}}})
}

func (s *workerSuite) TestPushHistoryDefaultsLimit(c *gc.C) {
	got := pushHistory(item.Execution{}, 0)
	slice := got[0].Value.(bson.D)[2]
	c.Check(slice.Value, gc.Equals, item.DefaultHistoryLimit)
}

func (s *workerSuite) TestDeferredUpdatePreservesRetryStreak(c *gc.C) {
	finished := s.clock.Now()
	runAt := finished.Add(time.Minute)
	exec := item.Execution{FinishedAt: finished}

	got := deferredUpdate(runAt, exec, 3)
	c.Check(got, jc.DeepEquals, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: item.StatusPending},
			{Key: "scheduledAt", Value: runAt},
			{Key: "updatedAt", Value: finished},
			{Key: "lockExpiresAt", Value: nil},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: -1}}},
		{Key: "$unset", Value: bson.D{{Key: "lockedBy", Value: ""}}},
		{Key: "$push", Value: pushHistory(exec, 3)},
	})
}

func (s *workerSuite) TestConfigValidation(c *gc.C) {
	cfg := WorkerConfig{}
	c.Assert(cfg.Validate(), gc.NotNil)
}
