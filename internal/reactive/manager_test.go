// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/task"
)

type managerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) TestSourceIDCandidatesObjectID(c *gc.C) {
	oid := primitive.NewObjectID()
	got := sourceIDCandidates(oid.Hex())
	c.Check(got, jc.DeepEquals, bson.A{oid.Hex(), oid})
}

func (s *managerSuite) TestSourceIDCandidatesNumber(c *gc.C) {
	c.Check(sourceIDCandidates("42"), jc.DeepEquals, bson.A{"42", int64(42), int32(42)})
	c.Check(sourceIDCandidates("3.5"), jc.DeepEquals, bson.A{"3.5", 3.5})
}

func (s *managerSuite) TestSourceIDCandidatesPlainString(c *gc.C) {
	c.Check(sourceIDCandidates("order-7"), jc.DeepEquals, bson.A{"order-7"})
}

func (s *managerSuite) TestBuildFilter(c *gc.C) {
	m := &Manager{}
	got := m.buildFilter([]string{"a", "b"}, item.Query{
		Statuses:    []item.Status{item.StatusFailed},
		SourceDocID: "7",
	})
	c.Check(got, jc.DeepEquals, bson.D{
		{Key: "task", Value: bson.D{{Key: "$in", Value: []string{"a", "b"}}}},
		{Key: "status", Value: bson.D{{Key: "$in", Value: []item.Status{item.StatusFailed}}}},
		{Key: "sourceDocId", Value: bson.D{{Key: "$in", Value: bson.A{"7", int64(7), int32(7)}}}},
	})
}

func (s *managerSuite) TestBuildFilterNarrowFields(c *gc.C) {
	m := &Manager{}
	hasError := true
	got := m.buildFilter([]string{"a"}, item.Query{
		ID:           "a:7",
		ErrorMessage: "timeout",
		HasError:     &hasError,
	})
	c.Check(got, jc.DeepEquals, bson.D{
		{Key: "task", Value: bson.D{{Key: "$in", Value: []string{"a"}}}},
		{Key: "_id", Value: "a:7"},
		{Key: "lastError", Value: bson.D{
			{Key: "$regex", Value: "timeout"},
			{Key: "$exists", Value: true},
		}},
	})
}

func (s *managerSuite) TestBuildFilterHasErrorFalse(c *gc.C) {
	m := &Manager{}
	hasError := false
	got := m.buildFilter([]string{"a"}, item.Query{HasError: &hasError})
	c.Check(got, jc.DeepEquals, bson.D{
		{Key: "task", Value: bson.D{{Key: "$in", Value: []string{"a"}}}},
		{Key: "lastError", Value: bson.D{{Key: "$exists", Value: false}}},
	})
}

func (s *managerSuite) TestTargetsGroupByItemsCollection(c *gc.C) {
	r := NewRegistry(time.Second, "docket.items")
	c.Assert(r.Add(&task.Reactive{Name: "a", Collection: "orders", Handler: noopHandler}), jc.ErrorIsNil)
	c.Assert(r.Add(&task.Reactive{Name: "b", Collection: "users", Handler: noopHandler}), jc.ErrorIsNil)
	c.Assert(r.Add(&task.Reactive{
		Name: "c", Collection: "users", Handler: noopHandler,
		ItemsCollection: "users.items",
	}), jc.ErrorIsNil)
	m := &Manager{registry: r}

	all, err := m.targets(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(all, jc.DeepEquals, map[string][]string{
		"docket.items": {"a", "b"},
		"users.items":  {"c"},
	})

	some, err := m.targets([]string{"c"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(some, jc.DeepEquals, map[string][]string{"users.items": {"c"}})

	_, err = m.targets([]string{"nope"})
	c.Assert(err, gc.NotNil)
}
