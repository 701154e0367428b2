// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/logger"
	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/lock"
)

const (
	// DefaultVisibilityTimeout is how long a claimed item stays invisible
	// to other workers; the lease is renewed at a fifth of it.
	DefaultVisibilityTimeout = 60 * time.Second
)

// WorkerConfig holds a worker's dependencies. Workers run on every process
// instance; coordination happens entirely through claim updates.
type WorkerConfig struct {
	DB       *mongo.Database
	Registry *Registry
	Clock    clock.Clock
	Logger   logger.Logger
	Notify   events.Sink

	VisibilityTimeout time.Duration

	// TaskFilter restricts which tasks this instance executes; empty
	// means all registered tasks.
	TaskFilter []string

	// Caller wraps handler invocations. Nil calls handlers directly.
	Caller task.Caller
}

// Validate is part of the usual config contract.
func (c *WorkerConfig) Validate() error {
	if c.DB == nil {
		return errors.NotValidf("nil DB")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.VisibilityTimeout < time.Second {
		return errors.NotValidf("visibility timeout %v", c.VisibilityTimeout)
	}
	return nil
}

// Worker claims due work items and runs their handlers under a visibility
// lease. One Worker serves all items collections; the poll runner decides
// when and how often TryRun fires for each.
type Worker struct {
	cfg    WorkerConfig
	filter set.Strings

	mu        sync.Mutex
	throttled map[string]time.Time
}

// NewWorker returns a worker ready for TryRun calls.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg:       cfg,
		throttled: make(map[string]time.Time),
	}
	if len(cfg.TaskFilter) > 0 {
		w.filter = set.NewStrings(cfg.TaskFilter...)
	}
	return w, nil
}

// TryRun claims and executes at most one due item from the given items
// collection. It reports whether an item was processed, so the poller can
// keep polling fast while work remains.
func (w *Worker) TryRun(ctx context.Context, itemsCollection string) (bool, error) {
	names := w.runnable(itemsCollection)
	if len(names) == 0 {
		return false, nil
	}
	claimed, lockID, err := w.claim(ctx, itemsCollection, names)
	if err != nil {
		return false, errors.Trace(err)
	}
	if claimed == nil {
		return false, nil
	}
	t, err := w.cfg.Registry.Task(claimed.Task)
	if err != nil {
		// Cannot happen given the claim filter, but fail safe: put the
		// item back rather than dropping the lease on the floor.
		if _, uerr := w.release(ctx, itemsCollection, claimed.ID, lockID); uerr != nil {
			w.cfg.Logger.Warningf("releasing unrunnable item %q: %v", claimed.ID, uerr)
		}
		return false, errors.Annotatef(err, "claimed item %q", claimed.ID)
	}
	if err := w.process(ctx, t, claimed, lockID); err != nil {
		return true, errors.Trace(err)
	}
	return true, nil
}

// runnable returns the names of tasks in the collection this instance may
// run right now, honouring the task filter and active throttles.
func (w *Worker) runnable(itemsCollection string) []string {
	now := w.cfg.Clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for _, t := range w.cfg.Registry.TasksForItemsCollection(itemsCollection) {
		if w.filter != nil && !w.filter.Contains(t.Name) {
			continue
		}
		if until, ok := w.throttled[t.Name]; ok {
			if until.After(now) {
				continue
			}
			delete(w.throttled, t.Name)
		}
		names = append(names, t.Name)
	}
	return names
}

// throttle suppresses claims for the task on this instance until the given
// time.
func (w *Worker) throttle(taskName string, until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.throttled[taskName] = until
}

// claim atomically takes the oldest due item: a pending one, or an
// in-flight one whose lease expired with its worker. The claim stamps a
// fresh lease with a unique lock id that every later update verifies.
func (w *Worker) claim(ctx context.Context, itemsCollection string, names []string) (*item.Item, string, error) {
	now := w.cfg.Clock.Now()
	lockID := uuid.NewString()
	q := bson.D{
		{Key: "task", Value: bson.D{{Key: "$in", Value: names}}},
		{Key: "scheduledAt", Value: bson.D{{Key: "$lte", Value: now}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: item.StatusPending}},
			bson.D{
				{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
					item.StatusProcessing, item.StatusProcessingDirty,
				}}}},
				{Key: "lockExpiresAt", Value: bson.D{{Key: "$lte", Value: now}}},
			},
		}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: item.StatusProcessing},
			{Key: "lockExpiresAt", Value: now.Add(w.cfg.VisibilityTimeout)},
			{Key: "lockedBy", Value: lockID},
			{Key: "startedAt", Value: now},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	}
	var claimed item.Item
	err := w.cfg.DB.Collection(itemsCollection).FindOneAndUpdate(ctx, q, update,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "scheduledAt", Value: 1}}).
			SetReturnDocument(options.After)).
		Decode(&claimed)
	if err == mongo.ErrNoDocuments {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	return &claimed, lockID, nil
}

// process runs the handler under a renewed lease and finalizes the item.
func (w *Worker) process(ctx context.Context, t *task.Reactive, it *item.Item, lockID string) error {
	coll := w.cfg.DB.Collection(t.ItemsCollection)
	started := w.cfg.Clock.Now()
	w.cfg.Notify.Emit(events.Event{Code: events.ReactiveTaskStarted, Task: t.Name})

	hb, err := lock.NewHeartbeat(lock.HeartbeatConfig{
		Clock:    w.cfg.Clock,
		Logger:   w.cfg.Logger,
		Interval: w.cfg.VisibilityTimeout / 5,
		Renew: func(ctx context.Context) error {
			return w.renewLease(ctx, coll, it.ID, lockID)
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	hc := &handlerContext{worker: w, task: t, it: it, lockID: lockID}
	runErr := w.invoke(ctx, t, hc)

	hb.Kill()
	_ = hb.Wait()

	return errors.Trace(w.finalize(ctx, t, it, hc, runErr, started))
}

// invoke runs the handler through the configured caller, converting panics
// into errors so a bad handler cannot take the whole worker down.
func (w *Worker) invoke(ctx context.Context, t *task.Reactive, hc *handlerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	run := func(ctx context.Context) error { return t.Handler(ctx, hc) }
	if w.cfg.Caller != nil {
		return w.cfg.Caller(ctx, t.Name, run)
	}
	return run(ctx)
}

func (w *Worker) renewLease(ctx context.Context, coll *mongo.Collection, id, lockID string) error {
	res, err := coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "lockExpiresAt", Value: w.cfg.Clock.Now().Add(w.cfg.VisibilityTimeout)},
		}}})
	if err != nil {
		return errors.Trace(err)
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("lease on item %q lost", id)
	}
	return nil
}

// release puts a claimed item straight back to pending without recording an
// execution, for the paths where the handler never ran.
func (w *Worker) release(ctx context.Context, itemsCollection, id, lockID string) (bool, error) {
	res, err := w.cfg.DB.Collection(itemsCollection).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: item.StatusPending},
				{Key: "lockExpiresAt", Value: nil},
				{Key: "updatedAt", Value: w.cfg.Clock.Now()},
			}},
			{Key: "$unset", Value: bson.D{{Key: "lockedBy", Value: ""}}},
			{Key: "$inc", Value: bson.D{{Key: "attempts", Value: -1}}},
		})
	if err != nil {
		return false, errors.Trace(err)
	}
	return res.ModifiedCount == 1, nil
}

// finalize settles the item after a handler run. The two-step updates pivot
// on the status the planner may have flipped underneath us: an item still
// processing takes the run's outcome, one gone processing_dirty goes back
// to pending because its source data changed mid-flight.
func (w *Worker) finalize(ctx context.Context, t *task.Reactive, it *item.Item, hc *handlerContext, runErr error, started time.Time) error {
	now := w.cfg.Clock.Now()
	exec := item.Execution{
		StartedAt:  started,
		FinishedAt: now,
		Duration:   now.Sub(started),
	}

	deferFor, deferred := hc.deferral()
	switch {
	case hc.wasCompleted():
		// The handler already finalized through MarkCompleted, possibly
		// inside its own transaction. Nothing left to settle.
		if runErr != nil {
			w.cfg.Logger.Warningf("task %q item %q marked completed but handler returned: %v",
				t.Name, it.ID, runErr)
		}
		w.cfg.Notify.Emit(events.Event{Code: events.ReactiveTaskFinished, Task: t.Name})
		return nil

	case deferred:
		if runErr != nil {
			exec.Error = runErr.Error()
		}
		err := w.finalizeDeferred(ctx, t, it.ID, hc.lockID, now.Add(deferFor), exec, t.HistoryLimit)
		w.cfg.Notify.Emit(events.Event{Code: events.ReactiveTaskFinished, Task: t.Name, Detail: "deferred"})
		return errors.Trace(err)

	case runErr == nil, errors.Is(runErr, task.ErrConditionFailed):
		err := w.finalizeSuccess(ctx, t, it.ID, hc.lockID, exec)
		w.cfg.Notify.Emit(events.Event{Code: events.ReactiveTaskFinished, Task: t.Name})
		return errors.Trace(err)

	default:
		exec.Error = runErr.Error()
		err := w.finalizeFailure(ctx, t, it, hc.lockID, exec, runErr)
		w.cfg.Notify.Emit(events.Event{Code: events.ReactiveTaskFailed, Task: t.Name, Err: runErr})
		return errors.Trace(err)
	}
}

// finalizeSuccess flips processing to completed; if the planner dirtied the
// item mid-run it goes back to pending for a fresh cycle instead.
func (w *Worker) finalizeSuccess(ctx context.Context, t *task.Reactive, id, lockID string, exec item.Execution) error {
	return errors.Trace(w.finalizeSuccessIn(ctx, w.cfg.DB.Collection(t.ItemsCollection), id, lockID, exec, t.HistoryLimit))
}

func (w *Worker) finalizeSuccessIn(ctx context.Context, coll *mongo.Collection, id, lockID string, exec item.Execution, historyLimit int) error {
	now := exec.FinishedAt
	success := item.Success{At: now, Duration: exec.Duration}

	res, err := coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: item.StatusProcessing},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: item.StatusCompleted},
				{Key: "completedAt", Value: now},
				{Key: "lastFinalizedAt", Value: now},
				{Key: "updatedAt", Value: now},
				{Key: "lockExpiresAt", Value: nil},
				{Key: "lastSuccess", Value: success},
			}},
			{Key: "$unset", Value: bson.D{
				{Key: "lockedBy", Value: ""},
				{Key: "firstErrorAt", Value: ""},
				{Key: "lastError", Value: ""},
			}},
			{Key: "$push", Value: pushHistory(exec, historyLimit)},
		})
	if err != nil {
		return errors.Trace(err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// Dirty path: the source changed while we ran. The planner already
	// pushed scheduledAt out by the debounce, so a plain pending flip
	// re-runs against the fresh data.
	res, err = coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: item.StatusProcessingDirty},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: item.StatusPending},
				{Key: "attempts", Value: 0},
				{Key: "lastFinalizedAt", Value: now},
				{Key: "updatedAt", Value: now},
				{Key: "lockExpiresAt", Value: nil},
				{Key: "lastSuccess", Value: success},
			}},
			{Key: "$unset", Value: bson.D{
				{Key: "lockedBy", Value: ""},
				{Key: "firstErrorAt", Value: ""},
				{Key: "lastError", Value: ""},
			}},
			{Key: "$push", Value: pushHistory(exec, historyLimit)},
		})
	if err != nil {
		return errors.Trace(err)
	}
	if res.ModifiedCount == 0 {
		w.cfg.Logger.Warningf("item %q: lease lost before finalization, outcome may run twice", id)
	}
	return nil
}

// finalizeDeferred reschedules the item at the handler's requested time,
// recording the execution without counting it against the retry policy.
func (w *Worker) finalizeDeferred(ctx context.Context, t *task.Reactive, id, lockID string, runAt time.Time, exec item.Execution, historyLimit int) error {
	res, err := w.cfg.DB.Collection(t.ItemsCollection).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
				item.StatusProcessing, item.StatusProcessingDirty,
			}}}},
			{Key: "lockedBy", Value: lockID},
		},
		deferredUpdate(runAt, exec, historyLimit))
	if err != nil {
		return errors.Trace(err)
	}
	if res.ModifiedCount == 0 {
		w.cfg.Logger.Warningf("item %q: lease lost before deferral", id)
	}
	return nil
}

// deferredUpdate moves the item back to pending at runAt. The claim's
// attempts increment is undone, so the deferral neither counts as an
// attempt nor erases a streak accumulated before it.
func deferredUpdate(runAt time.Time, exec item.Execution, historyLimit int) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: item.StatusPending},
			{Key: "scheduledAt", Value: runAt},
			{Key: "updatedAt", Value: exec.FinishedAt},
			{Key: "lockExpiresAt", Value: nil},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: -1}}},
		{Key: "$unset", Value: bson.D{{Key: "lockedBy", Value: ""}}},
		{Key: "$push", Value: pushHistory(exec, historyLimit)},
	}
}

// finalizeFailure applies the retry policy: schedule another attempt, or
// mark the item failed once attempts or time run out. An item dirtied
// mid-run restarts as pending instead; its data changed, so the failure
// does not count when the policy resets on data change.
func (w *Worker) finalizeFailure(ctx context.Context, t *task.Reactive, it *item.Item, lockID string, exec item.Execution, runErr error) error {
	coll := w.cfg.DB.Collection(t.ItemsCollection)
	now := exec.FinishedAt
	firstErrorAt := now
	if it.FirstErrorAt != nil {
		firstErrorAt = *it.FirstErrorAt
	}

	failed := t.Retry.ShouldFail(it.Attempts, firstErrorAt, now)
	fields := bson.D{
		{Key: "updatedAt", Value: now},
		{Key: "lockExpiresAt", Value: nil},
		{Key: "lastError", Value: runErr.Error()},
		{Key: "firstErrorAt", Value: firstErrorAt},
	}
	if failed {
		fields = append(fields,
			bson.E{Key: "status", Value: item.StatusFailed},
			bson.E{Key: "lastFinalizedAt", Value: now})
	} else {
		fields = append(fields,
			bson.E{Key: "status", Value: item.StatusPending},
			bson.E{Key: "scheduledAt", Value: t.Retry.NextAttempt(it.Attempts, now)})
	}
	res, err := coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: it.ID},
			{Key: "status", Value: item.StatusProcessing},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: fields},
			{Key: "$unset", Value: bson.D{{Key: "lockedBy", Value: ""}}},
			{Key: "$push", Value: pushHistory(exec, t.HistoryLimit)},
		})
	if err != nil {
		return errors.Trace(err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// Dirty path: fresh data supersedes the failure.
	dirtySet := bson.D{
		{Key: "status", Value: item.StatusPending},
		{Key: "updatedAt", Value: now},
		{Key: "lockExpiresAt", Value: nil},
		{Key: "lastError", Value: runErr.Error()},
	}
	unset := bson.D{{Key: "lockedBy", Value: ""}}
	if t.Retry.ResetOnDataChange() {
		dirtySet = append(dirtySet, bson.E{Key: "attempts", Value: 0})
		unset = append(unset, bson.E{Key: "firstErrorAt", Value: ""})
	}
	res, err = coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: it.ID},
			{Key: "status", Value: item.StatusProcessingDirty},
			{Key: "lockedBy", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: dirtySet},
			{Key: "$unset", Value: unset},
			{Key: "$push", Value: pushHistory(exec, t.HistoryLimit)},
		})
	if err != nil {
		return errors.Trace(err)
	}
	if res.ModifiedCount == 0 {
		w.cfg.Logger.Warningf("item %q: lease lost before failure finalization", it.ID)
	}
	return nil
}

// pushHistory prepends the execution to the bounded history.
func pushHistory(exec item.Execution, limit int) bson.D {
	if limit <= 0 {
		limit = item.DefaultHistoryLimit
	}
	return bson.D{{Key: "executionHistory", Value: bson.D{
		{Key: "$each", Value: bson.A{exec}},
		{Key: "$position", Value: 0},
		{Key: "$slice", Value: limit},
	}}}
}
