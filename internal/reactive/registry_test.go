// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/task"
)

type registrySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&registrySuite{})

func noopHandler(ctx context.Context, tc task.Context) error { return nil }

func (s *registrySuite) TestAddAppliesDefaults(c *gc.C) {
	r := NewRegistry(2*time.Second, "docket.items")
	t := &task.Reactive{Name: "index", Collection: "orders", Handler: noopHandler}
	c.Assert(r.Add(t), jc.ErrorIsNil)

	c.Check(t.Debounce, gc.Equals, 2*time.Second)
	c.Check(t.ItemsCollection, gc.Equals, "docket.items")
	c.Check(t.HistoryLimit, gc.Equals, 5)
}

func (s *registrySuite) TestAddKeepsOverrides(c *gc.C) {
	r := NewRegistry(2*time.Second, "docket.items")
	t := &task.Reactive{
		Name:            "index",
		Collection:      "orders",
		Handler:         noopHandler,
		Debounce:        time.Minute,
		ItemsCollection: "orders.items",
	}
	c.Assert(r.Add(t), jc.ErrorIsNil)

	c.Check(t.Debounce, gc.Equals, time.Minute)
	c.Check(t.ItemsCollection, gc.Equals, "orders.items")
}

func (s *registrySuite) TestAddRejectsDuplicates(c *gc.C) {
	r := NewRegistry(time.Second, "docket.items")
	c.Assert(r.Add(&task.Reactive{Name: "index", Collection: "orders", Handler: noopHandler}), jc.ErrorIsNil)
	err := r.Add(&task.Reactive{Name: "index", Collection: "users", Handler: noopHandler})
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *registrySuite) TestAddRejectsInvalid(c *gc.C) {
	r := NewRegistry(time.Second, "docket.items")
	err := r.Add(&task.Reactive{Name: "index", Collection: "orders"})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *registrySuite) TestLookups(c *gc.C) {
	r := NewRegistry(time.Second, "docket.items")
	c.Assert(r.Add(&task.Reactive{Name: "a", Collection: "orders", Handler: noopHandler}), jc.ErrorIsNil)
	c.Assert(r.Add(&task.Reactive{Name: "b", Collection: "orders", Handler: noopHandler}), jc.ErrorIsNil)
	c.Assert(r.Add(&task.Reactive{
		Name: "c", Collection: "users", Handler: noopHandler,
		ItemsCollection: "users.items",
	}), jc.ErrorIsNil)

	c.Check(r.Names(), jc.DeepEquals, []string{"a", "b", "c"})
	c.Check(r.Collections(), jc.DeepEquals, []string{"orders", "users"})
	c.Check(r.TasksForCollection("orders"), gc.HasLen, 2)
	c.Check(r.ItemsCollections(), jc.DeepEquals, []string{"docket.items", "users.items"})
	c.Check(r.TasksForItemsCollection("users.items"), gc.HasLen, 1)

	t, err := r.Task("b")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.Name, gc.Equals, "b")
	_, err = r.Task("nope")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}
