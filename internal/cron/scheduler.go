// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cron runs named tasks on fixed or cron-expression schedules,
// coordinated across process instances through one document per task. Any
// instance may claim a due task; a lease on the document keeps concurrent
// instances from double-running it.
package cron

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
	"gopkg.in/tomb.v2"

	corecron "github.com/docket-dev/docket/core/cron"
	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/interval"
	"github.com/docket-dev/docket/core/logger"
	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/lock"
)

const (
	// DefaultLockTTL is how long a running cron task's lease lasts; the
	// runner renews it at a fifth of this.
	DefaultLockTTL = 60 * time.Second
	// DefaultPollInterval bounds how long the scheduler sleeps between
	// due-task checks.
	DefaultPollInterval = 5 * time.Second
)

// ErrRecursiveTrigger reports a cron handler awaiting a run of a task that
// is already on the current call chain, which would deadlock.
const ErrRecursiveTrigger = errors.ConstError("recursive cron task trigger")

// Task is one scheduled task: a unique id, a schedule, and a handler.
type Task struct {
	ID       string
	Interval interval.Interval
	Handler  func(ctx context.Context) error
}

// Validate checks the definition.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.NotValidf("cron task with empty id")
	}
	if t.Interval.IsZero() {
		return errors.NotValidf("cron task %q with zero interval", t.ID)
	}
	if t.Handler == nil {
		return errors.NotValidf("cron task %q with nil handler", t.ID)
	}
	return nil
}

// Config holds a scheduler's dependencies.
type Config struct {
	Collection *mongo.Collection
	Clock      clock.Clock
	Logger     logger.Logger
	Notify     events.Sink

	// Caller wraps handler invocations, as for reactive tasks.
	Caller task.Caller

	LockTTL      time.Duration
	PollInterval time.Duration
}

// Validate is part of the usual config contract.
func (c *Config) Validate() error {
	if c.Collection == nil {
		return errors.NotValidf("nil Collection")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockTTL < time.Second {
		return errors.NotValidf("lock TTL %v", c.LockTTL)
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return nil
}

// Scheduler claims and runs due cron tasks until stopped.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*Task
	started bool
	tomb    *tomb.Tomb

	wake chan struct{}
}

// NewScheduler returns a scheduler; tasks register before Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Scheduler{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		wake:  make(chan struct{}, 1),
	}, nil
}

// Register adds a task. The persisted schedule document is created on
// Start; registering the same id twice is an error.
func (s *Scheduler) Register(t *Task) error {
	if err := t.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Errorf("cannot register cron task %q on a started scheduler", t.ID)
	}
	if _, ok := s.tasks[t.ID]; ok {
		return errors.AlreadyExistsf("cron task %q", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

// claimIndexes covers the claim filter and sort: the due check plus the
// lease probe, with the sparse runImmediately path kept cheap through a
// partial index.
func claimIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "runSince", Value: 1},
			{Key: "_id", Value: 1},
			{Key: "lockedTill", Value: 1},
		}},
		{
			Keys: bson.D{
				{Key: "runImmediately", Value: 1},
				{Key: "_id", Value: 1},
				{Key: "lockedTill", Value: 1},
			},
			Options: options.Index().SetPartialFilterExpression(bson.D{
				{Key: "runImmediately", Value: true},
			}),
		},
	}
}

// EnsureIndexes creates the claim indexes. Idempotent.
func (s *Scheduler) EnsureIndexes(ctx context.Context) error {
	_, err := s.cfg.Collection.Indexes().CreateMany(ctx, claimIndexes())
	return errors.Trace(err)
}

// Start persists the schedule documents and begins claiming due tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Errorf("cron scheduler already started")
	}
	s.started = true
	s.tomb = &tomb.Tomb{}
	tasks := s.taskList()
	s.mu.Unlock()

	now := s.cfg.Clock.Now()
	for _, t := range tasks {
		// First run happens promptly after first deployment; later
		// generations keep whatever schedule is already persisted.
		_, err := s.cfg.Collection.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: t.ID}},
			bson.D{{Key: "$setOnInsert", Value: bson.D{
				{Key: "_id", Value: t.ID},
				{Key: "runSince", Value: now},
				{Key: "runImmediately", Value: false},
				{Key: "lockedTill", Value: nil},
			}}},
			options.Update().SetUpsert(true))
		if err != nil {
			return errors.Annotatef(err, "registering cron task %q", t.ID)
		}
	}
	s.tomb.Go(s.loop)
	return nil
}

// Stop kills the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	t := s.tomb
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	err := t.Wait()
	s.mu.Lock()
	s.started = false
	s.tomb = nil
	s.mu.Unlock()
	return errors.Trace(err)
}

// ScheduleImmediately flags the task to run at the next claim regardless of
// its schedule, on whichever instance gets there first.
func (s *Scheduler) ScheduleImmediately(ctx context.Context, id string) error {
	res, err := s.cfg.Collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "runImmediately", Value: true}}}})
	if err != nil {
		return errors.Trace(err)
	}
	if res.MatchedCount == 0 {
		return errors.NotFoundf("cron task %q", id)
	}
	s.cfg.Notify.Emit(events.Event{Code: events.ManualTrigger, Task: id})
	s.wakeUp()
	return nil
}

// List returns the persisted schedule documents of the registered tasks.
func (s *Scheduler) List(ctx context.Context) ([]corecron.TaskDoc, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	cur, err := s.cfg.Collection.Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var docs []corecron.TaskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Trace(err)
	}
	return docs, nil
}

// RunTask claims and runs the task right now, on this instance, and waits
// for it to finish. It fails if the task is already running anywhere, and
// refuses to recurse into a task already on the caller's chain.
func (s *Scheduler) RunTask(ctx context.Context, id string) error {
	if runningChain(ctx).Contains(id) {
		return errors.Annotatef(ErrRecursiveTrigger, "task %q", id)
	}
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return errors.NotFoundf("cron task %q", id)
	}

	now := s.cfg.Clock.Now()
	lockID := uuid.NewString()
	doc, err := s.claimOne(ctx, bson.D{{Key: "_id", Value: id}}, lockID, now, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if doc == nil {
		return errors.Errorf("cron task %q is already running", id)
	}
	return errors.Trace(s.run(ctx, t, lockID))
}

func (s *Scheduler) taskList() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() error {
	ctx := s.tomb.Context(nil)
	for {
		claimed, err := s.claimDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return tomb.ErrDying
			}
			// Claim errors are transient DB trouble; keep the
			// scheduler alive and try again next poll.
			s.cfg.Logger.Errorf("claiming cron task: %v", err)
		} else if claimed != nil {
			select {
			case <-s.tomb.Dying():
				// Claimed on the way out: put it back untouched.
				if err := s.rollback(claimed); err != nil {
					s.cfg.Logger.Errorf("rolling back cron claim %q: %v", claimed.doc.ID, err)
				}
				return tomb.ErrDying
			default:
			}
			if err := s.run(ctx, claimed.task, claimed.lockID); err != nil {
				s.cfg.Logger.Errorf("running cron task %q: %v", claimed.task.ID, err)
			}
			continue
		}
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case <-s.cfg.Clock.After(s.nextWait(ctx)):
		case <-s.wake:
		}
	}
}

// nextWait returns how long to sleep after an empty claim: until the
// soonest future runSince among the registered tasks, bounded by the poll
// interval so lease expiries and manual triggers are still noticed.
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return s.cfg.PollInterval
	}

	now := s.cfg.Clock.Now()
	var doc struct {
		RunSince time.Time `bson:"runSince"`
	}
	err := s.cfg.Collection.FindOne(ctx,
		bson.D{
			{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
			{Key: "runSince", Value: bson.D{{Key: "$gt", Value: now}}},
		},
		options.FindOne().
			SetSort(bson.D{{Key: "runSince", Value: 1}}).
			SetProjection(bson.D{{Key: "runSince", Value: 1}})).
		Decode(&doc)
	if err != nil {
		return s.cfg.PollInterval
	}
	return clampWait(doc.RunSince, now, s.cfg.PollInterval)
}

// clampWait bounds a sleep until next to (0, poll].
func clampWait(next, now time.Time, poll time.Duration) time.Duration {
	wait := next.Sub(now)
	if wait <= 0 || wait > poll {
		return poll
	}
	return wait
}

type claim struct {
	task   *Task
	lockID string
	doc    *corecron.TaskDoc
}

// claimDue atomically takes the most urgent runnable task: manual triggers
// first, then the longest overdue, breaking ties towards the least recently
// finished.
func (s *Scheduler) claimDue(ctx context.Context) (*claim, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}

	now := s.cfg.Clock.Now()
	lockID := uuid.NewString()
	due := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "runImmediately", Value: true}},
		bson.D{{Key: "runSince", Value: bson.D{{Key: "$lte", Value: now}}}},
	}}}
	doc, err := s.claimOne(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		lockID, now, due)
	if err != nil || doc == nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	t := s.tasks[doc.ID]
	s.mu.Unlock()
	return &claim{task: t, lockID: lockID, doc: doc}, nil
}

// claimOne stamps a lease and opens a run log entry in one atomic update.
func (s *Scheduler) claimOne(ctx context.Context, match bson.D, lockID string, now time.Time, due bson.D) (*corecron.TaskDoc, error) {
	unlocked := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "lockedTill", Value: nil}},
		bson.D{{Key: "lockedTill", Value: bson.D{{Key: "$lte", Value: now}}}},
	}}}
	and := bson.A{match, unlocked}
	if due != nil {
		and = append(and, due)
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "lockedTill", Value: now.Add(s.cfg.LockTTL)},
			{Key: "lockId", Value: lockID},
			{Key: "runImmediately", Value: false},
		}},
		{Key: "$push", Value: bson.D{{Key: "runLog", Value: bson.D{
			{Key: "$each", Value: bson.A{corecron.RunLogEntry{StartedAt: now}}},
			{Key: "$position", Value: 0},
			{Key: "$slice", Value: corecron.RunLogLimit},
		}}}},
	}
	var doc corecron.TaskDoc
	err := s.cfg.Collection.FindOneAndUpdate(ctx,
		bson.D{{Key: "$and", Value: and}},
		update,
		options.FindOneAndUpdate().
			SetSort(bson.D{
				{Key: "runImmediately", Value: -1},
				{Key: "runSince", Value: 1},
				{Key: "runLog.0.finishedAt", Value: 1},
			}).
			SetReturnDocument(options.After)).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &doc, nil
}

// rollback undoes a claim whose run never started: drop the fresh run log
// entry and release the lease so another instance picks the task up.
func (s *Scheduler) rollback(cl *claim) error {
	ctx := context.Background()
	_, err := s.cfg.Collection.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: cl.doc.ID},
			{Key: "lockId", Value: cl.lockID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "lockedTill", Value: nil},
				{Key: "runImmediately", Value: true},
			}},
			{Key: "$unset", Value: bson.D{{Key: "lockId", Value: ""}}},
			{Key: "$pop", Value: bson.D{{Key: "runLog", Value: -1}}},
		})
	return errors.Trace(err)
}

// run executes the handler under a renewed lease and finalizes the
// document: lease released, next occurrence scheduled, run log closed.
func (s *Scheduler) run(ctx context.Context, t *Task, lockID string) error {
	s.cfg.Notify.Emit(events.Event{Code: events.CronTaskStarted, Task: t.ID})
	started := s.cfg.Clock.Now()

	hb, err := lock.NewHeartbeat(lock.HeartbeatConfig{
		Clock:    s.cfg.Clock,
		Logger:   s.cfg.Logger,
		Interval: s.cfg.LockTTL / 5,
		Renew: func(ctx context.Context) error {
			return s.renew(ctx, t.ID, lockID)
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	runErr := s.invoke(ctx, t)
	hb.Kill()
	_ = hb.Wait()

	now := s.cfg.Clock.Now()
	next := t.Interval.Next(now)
	fields := bson.D{
		{Key: "lockedTill", Value: nil},
		{Key: "runSince", Value: next},
		{Key: "runLog.0.finishedAt", Value: now},
	}
	if runErr != nil {
		fields = append(fields, bson.E{Key: "runLog.0.error", Value: runErr.Error()})
	}
	_, err = s.cfg.Collection.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: t.ID},
			{Key: "lockId", Value: lockID},
		},
		bson.D{
			{Key: "$set", Value: fields},
			{Key: "$unset", Value: bson.D{{Key: "lockId", Value: ""}}},
		})
	if err != nil {
		return errors.Annotatef(err, "finalizing cron task %q", t.ID)
	}

	if runErr != nil {
		s.cfg.Logger.Errorf("cron task %q failed: %v", t.ID, runErr)
		s.cfg.Notify.Emit(events.Event{Code: events.CronTaskFailed, Task: t.ID, Err: runErr})
	} else {
		s.cfg.Logger.Debugf("cron task %q finished in %v", t.ID, now.Sub(started))
		s.cfg.Notify.Emit(events.Event{Code: events.CronTaskFinished, Task: t.ID})
	}
	s.cfg.Notify.Emit(events.Event{
		Code:   events.CronTaskScheduled,
		Task:   t.ID,
		Detail: next.UTC().Format(time.RFC3339),
	})
	return nil
}

// invoke runs the handler through the configured caller with the task
// tagged on the context, converting panics into errors.
func (s *Scheduler) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	ctx = withRunning(ctx, t.ID)
	run := func(ctx context.Context) error { return t.Handler(ctx) }
	if s.cfg.Caller != nil {
		return s.cfg.Caller(ctx, t.ID, run)
	}
	return run(ctx)
}

func (s *Scheduler) renew(ctx context.Context, id, lockID string) error {
	res, err := s.cfg.Collection.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "lockId", Value: lockID},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "lockedTill", Value: s.cfg.Clock.Now().Add(s.cfg.LockTTL)},
		}}})
	if err != nil {
		return errors.Trace(err)
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("lease on cron task %q lost", id)
	}
	return nil
}

// runningKey carries the chain of cron task ids on the context, so a
// handler awaiting another task cannot await itself.
type runningKey struct{}

func withRunning(ctx context.Context, id string) context.Context {
	chain := runningChain(ctx).Union(set.NewStrings(id))
	return context.WithValue(ctx, runningKey{}, chain)
}

func runningChain(ctx context.Context) set.Strings {
	if chain, ok := ctx.Value(runningKey{}).(set.Strings); ok {
		return chain
	}
	return set.NewStrings()
}
