// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	gc "gopkg.in/check.v1"
)

type batchSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&batchSuite{})

func event(coll, op string, id interface{}, ts uint32) changeEvent {
	var ev changeEvent
	ev.OperationType = op
	ev.NS.Coll = coll
	ev.DocumentKey.ID = id
	ev.ClusterTime = primitive.Timestamp{T: ts}
	return ev
}

func (s *batchSuite) TestCoalescesPerDocument(c *gc.C) {
	b := newEventBatch()
	b.add(event("orders", "insert", "a", 1))
	b.add(event("orders", "update", "a", 2))
	b.add(event("orders", "update", "a", 3))

	c.Check(b.size, gc.Equals, 1)
	op := b.groups["orders"]["a"]
	c.Check(op.deleted, jc.IsFalse)
	c.Check(op.id, gc.Equals, "a")
}

func (s *batchSuite) TestDeleteWinsOverEarlierUpdate(c *gc.C) {
	b := newEventBatch()
	b.add(event("orders", "update", "a", 1))
	b.add(event("orders", "delete", "a", 2))

	c.Check(b.size, gc.Equals, 1)
	c.Check(b.groups["orders"]["a"].deleted, jc.IsTrue)
}

func (s *batchSuite) TestReinsertAfterDelete(c *gc.C) {
	b := newEventBatch()
	b.add(event("orders", "delete", "a", 1))
	b.add(event("orders", "insert", "a", 2))

	c.Check(b.groups["orders"]["a"].deleted, jc.IsFalse)
}

func (s *batchSuite) TestGroupsPerCollection(c *gc.C) {
	b := newEventBatch()
	b.add(event("orders", "insert", "a", 1))
	b.add(event("users", "insert", "a", 2))
	b.add(event("users", "insert", "b", 3))

	c.Check(b.size, gc.Equals, 3)
	c.Check(b.groups["orders"], gc.HasLen, 1)
	c.Check(b.groups["users"], gc.HasLen, 2)
}

func (s *batchSuite) TestDistinctIDTypesDoNotCollide(c *gc.C) {
	oid := primitive.NewObjectID()
	b := newEventBatch()
	b.add(event("orders", "insert", oid, 1))
	b.add(event("orders", "insert", oid.Hex(), 2))

	// An ObjectID and its hex string render to the same key on purpose:
	// the planning pipeline's $toString does the same, so they name the
	// same work item either way.
	c.Check(b.size, gc.Equals, 1)
}

func (s *batchSuite) TestTracksLatestClusterTime(c *gc.C) {
	b := newEventBatch()
	b.add(event("orders", "insert", "a", 100))
	b.add(event("orders", "insert", "b", 50))

	c.Check(b.lastClusterTime.Unix(), gc.Equals, int64(100))
}

func (s *batchSuite) TestHistoryLostDetection(c *gc.C) {
	c.Check(isHistoryLost(nil), jc.IsFalse)
	c.Check(isHistoryLost(errors.New("boom")), jc.IsFalse)
	c.Check(isHistoryLost(mongo.CommandError{Code: 280}), jc.IsTrue)
	c.Check(isHistoryLost(mongo.CommandError{Code: 286}), jc.IsTrue)
	c.Check(isHistoryLost(mongo.CommandError{Code: 11000}), jc.IsFalse)
}

func (s *batchSuite) TestPlannerConfigDefaults(c *gc.C) {
	cfg := PlannerConfig{}
	err := cfg.Validate()
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
