// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package docket

import (
	"context"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// TxnContext is the context passed to a WithTransaction body. Database
// operations issued with it join the transaction; OnCommit defers work
// until the transaction has actually committed.
type TxnContext struct {
	mongo.SessionContext

	onCommit []func()
}

// OnCommit registers fn to run after the transaction commits. Handlers
// queue follow-up triggers here so they never fire for a rolled-back
// write. Registered functions are dropped if the transaction aborts, and
// reset if the driver retries the transaction body.
func (t *TxnContext) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// WithTransaction runs fn inside a MongoDB transaction with the driver's
// default transient-error retry behavior. OnCommit callbacks registered by
// fn run after the commit succeeds.
func (s *Scheduler) WithTransaction(ctx context.Context, fn func(tc *TxnContext) error) error {
	sess, err := s.opts.DB.Client().StartSession()
	if err != nil {
		return errors.Annotate(err, "starting session")
	}
	defer sess.EndSession(ctx)

	var committed []func()
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// The driver may retry the whole body; start each attempt with a
		// clean callback slate.
		tc := &TxnContext{SessionContext: sc}
		if err := fn(tc); err != nil {
			return nil, err
		}
		committed = tc.onCommit
		return nil, nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, fn := range committed {
		fn()
	}
	return nil
}
