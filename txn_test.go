// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package docket

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/lock"
)

type txnSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&txnSuite{})

func (s *txnSuite) TestOnCommitAccumulatesInOrder(c *gc.C) {
	tc := &TxnContext{}
	var got []int
	tc.OnCommit(func() { got = append(got, 1) })
	tc.OnCommit(func() { got = append(got, 2) })

	c.Assert(tc.onCommit, gc.HasLen, 2)
	for _, fn := range tc.onCommit {
		fn()
	}
	c.Check(got, jc.DeepEquals, []int{1, 2})
}

func (s *txnSuite) TestErrorReexports(c *gc.C) {
	c.Check(ErrTaskConditionFailed, gc.Equals, task.ErrConditionFailed)
	c.Check(ErrLockHeld, gc.Equals, lock.ErrLockHeld)
}
