// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/task"
)

// handlerContext implements task.Context for one handler run.
type handlerContext struct {
	worker *Worker
	task   *task.Reactive
	it     *item.Item
	lockID string

	mu        sync.Mutex
	deferFor  time.Duration
	deferred  bool
	completed bool
}

// DocID is part of the task.Context interface.
func (h *handlerContext) DocID() interface{} {
	return h.it.SourceDocID
}

// WatchedValues is part of the task.Context interface.
func (h *handlerContext) WatchedValues() bson.M {
	return h.it.LastObservedValues
}

// GetDocument is part of the task.Context interface.
func (h *handlerContext) GetDocument(ctx context.Context) (bson.M, error) {
	q := bson.D{{Key: "_id", Value: h.it.SourceDocID}}
	if fq := h.task.Filter.Query(); len(fq) > 0 {
		q = bson.D{{Key: "$and", Value: bson.A{q, fq}}}
	}
	var doc bson.M
	err := h.worker.cfg.DB.Collection(h.task.Collection).FindOne(ctx, q).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, task.ErrConditionFailed
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return doc, nil
}

// DeferCurrent is part of the task.Context interface.
func (h *handlerContext) DeferCurrent(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deferred = true
	h.deferFor = delay
}

// ThrottleAll is part of the task.Context interface.
func (h *handlerContext) ThrottleAll(until time.Time) {
	h.worker.throttle(h.task.Name, until)
}

// MarkCompleted is part of the task.Context interface. The update runs on
// the caller's context, so a session context commits the status flip
// atomically with the handler's own writes.
func (h *handlerContext) MarkCompleted(ctx context.Context) error {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	now := h.worker.cfg.Clock.Now()
	var started time.Time
	if h.it.StartedAt != nil {
		started = *h.it.StartedAt
	} else {
		started = now
	}
	exec := item.Execution{
		StartedAt:  started,
		FinishedAt: now,
		Duration:   now.Sub(started),
	}
	coll := h.worker.cfg.DB.Collection(h.task.ItemsCollection)
	if err := h.worker.finalizeSuccessIn(ctx, coll, h.it.ID, h.lockID, exec, h.task.HistoryLimit); err != nil {
		return errors.Trace(err)
	}
	h.mu.Lock()
	h.completed = true
	h.mu.Unlock()
	return nil
}

func (h *handlerContext) deferral() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deferFor, h.deferred
}

func (h *handlerContext) wasCompleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}
