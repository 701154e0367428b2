// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package task defines the public shape of a reactive task: the filter and
// projection that describe its interest in a source collection, the handler
// invoked for matching documents, and the policies applied around it.
package task

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/docket-dev/docket/core/filter"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/policy"
)

// ErrConditionFailed is returned by Context.GetDocument (and may be
// returned by handlers) when the source document no longer satisfies the
// task filter. The worker finalizes such items as completed rather than
// failed, since the work genuinely no longer applies.
const ErrConditionFailed = errors.ConstError("task condition no longer satisfied")

// Context is the surface a handler gets for the work item it is running.
type Context interface {
	// DocID is the identity of the source document.
	DocID() interface{}

	// WatchedValues is the projection snapshot the planner observed when
	// it scheduled this item.
	WatchedValues() bson.M

	// GetDocument re-reads the source document, re-applying the task
	// filter; it returns ErrConditionFailed if the document is gone or
	// no longer matches.
	GetDocument(ctx context.Context) (bson.M, error)

	// DeferCurrent reschedules the current item to run again after the
	// given delay, whatever the handler outcome.
	DeferCurrent(delay time.Duration)

	// ThrottleAll suppresses further runs of this task on this process
	// instance until the given time.
	ThrottleAll(until time.Time)

	// MarkCompleted finalizes the item as completed using the supplied
	// context, which may carry a session so the status flip commits
	// inside the caller's transaction. The worker detects this and
	// skips its own finalization.
	MarkCompleted(ctx context.Context) error
}

// Handler processes one work item.
type Handler func(ctx context.Context, tc Context) error

// Caller wraps every handler invocation; embedders use it for tracing,
// panic fences or request-scoped plumbing. The default calls run directly.
type Caller func(ctx context.Context, taskName string, run func(ctx context.Context) error) error

// Reactive is a reactive task definition.
type Reactive struct {
	// Name identifies the task; it must be unique within a scheduler.
	Name string

	// Collection is the source collection the task watches.
	Collection string

	// Filter selects the source documents of interest. Nil means all.
	Filter filter.Filter

	// WatchProjection lists the source fields whose values decide
	// whether a change re-triggers the task. Empty means the whole
	// document.
	WatchProjection []string

	Handler Handler

	// Debounce is the quiet period between the last observed change and
	// the handler firing. Zero adopts the engine default.
	Debounce time.Duration

	Retry     policy.Retry
	Cleanup   policy.Cleanup
	Evolution policy.Evolution

	// HistoryLimit bounds executionHistory; zero adopts the default.
	HistoryLimit int

	// ItemsCollection overrides the collection holding this task's work
	// items; empty adopts the engine default. Tasks sharing a
	// collection share worker polling.
	ItemsCollection string
}

// Validate checks the definition and applies policy defaults.
func (t *Reactive) Validate() error {
	if t.Name == "" {
		return errors.NotValidf("reactive task with empty name")
	}
	if t.Collection == "" {
		return errors.NotValidf("reactive task %q with empty collection", t.Name)
	}
	if t.Handler == nil {
		return errors.NotValidf("reactive task %q with nil handler", t.Name)
	}
	if t.Filter == nil {
		t.Filter = filter.All()
	}
	if t.Debounce < 0 {
		return errors.NotValidf("reactive task %q with negative debounce", t.Name)
	}
	if t.Retry.Kind == "" && t.Retry.Interval == 0 {
		// Default retry shape: exponential from a second up to ten
		// minutes.
		t.Retry = policy.Retry{
			Kind: policy.RetryExponential,
			Min:  time.Second,
			Max:  10 * time.Minute,
		}
	}
	if err := t.Retry.Validate(); err != nil {
		return errors.Annotatef(err, "reactive task %q", t.Name)
	}
	if err := t.Cleanup.Validate(); err != nil {
		return errors.Annotatef(err, "reactive task %q", t.Name)
	}
	if err := t.Evolution.Validate(); err != nil {
		return errors.Annotatef(err, "reactive task %q", t.Name)
	}
	if t.HistoryLimit < 0 {
		return errors.NotValidf("reactive task %q with negative history limit", t.Name)
	}
	if t.HistoryLimit == 0 {
		t.HistoryLimit = item.DefaultHistoryLimit
	}
	return nil
}
