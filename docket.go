// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package docket schedules work against MongoDB: reactive tasks that
// follow changes in watched collections through a leader-elected planner
// and a distributed worker pool, and cron tasks that run on fixed or
// cron-expression schedules across process instances.
package docket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"

	corecron "github.com/docket-dev/docket/core/cron"
	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/interval"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/cron"
	"github.com/docket-dev/docket/internal/dashboard"
	"github.com/docket-dev/docket/internal/leader"
	"github.com/docket-dev/docket/internal/lock"
	"github.com/docket-dev/docket/internal/poller"
	"github.com/docket-dev/docket/internal/reactive"
)

// ErrTaskConditionFailed is returned by task.Context.GetDocument when the
// source document no longer satisfies the task filter; handlers may return
// it to finalize the item as completed.
const ErrTaskConditionFailed = task.ErrConditionFailed

// ErrLockHeld is returned by WithLock when the lock is already taken and
// stays taken for the whole acquisition window.
const ErrLockHeld = lock.ErrLockHeld

// Scheduler is the entry point: register tasks, start the engines, query
// and repair their state.
type Scheduler struct {
	opts     Options
	registry *reactive.Registry
	meta     *reactive.Meta
	locker   *lock.Locker
	manager  *reactive.Manager
	cron     *cron.Scheduler
	metrics  *metrics

	mu      sync.Mutex
	elector *leader.Elector
	planner *reactive.Planner
	runner  *poller.Runner
	worker  *reactive.Worker
}

// New returns a scheduler ready for task registration.
func New(opts Options) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Scheduler{
		opts:     opts,
		registry: reactive.NewRegistry(opts.Debounce, opts.itemsCollection()),
		metrics:  newMetrics(),
	}
	s.meta = reactive.NewMeta(opts.DB.Collection(opts.metaCollection()), opts.Clock, opts.Logger)

	locker, err := lock.NewLocker(lock.LockerConfig{
		Collection: opts.DB.Collection(opts.locksCollection()),
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.locker = locker

	cronSched, err := cron.NewScheduler(cron.Config{
		Collection:   opts.DB.Collection(opts.cronCollection()),
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Notify:       s.emit,
		Caller:       opts.Caller,
		PollInterval: opts.CronPollInterval,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.cron = cronSched

	s.manager = reactive.NewManager(opts.DB, s.registry, opts.Clock, opts.Logger, s.emit)
	return s, nil
}

// emit fans an event out to metrics and the configured sink.
func (s *Scheduler) emit(e events.Event) {
	s.metrics.observe(e)
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(e)
	}
}

// RegisterReactiveTask adds a reactive task; call before
// StartReactiveTasks.
func (s *Scheduler) RegisterReactiveTask(t *task.Reactive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return errors.Errorf("cannot register reactive task %q after StartReactiveTasks", t.Name)
	}
	return errors.Trace(s.registry.Add(t))
}

// RegisterCronTask adds a cron task. The schedule accepts a duration
// ("90s"), plain milliseconds ("90000"), or a cron expression prefixed
// with CRON ("CRON 0 3 * * *"). Call before StartCronTasks.
func (s *Scheduler) RegisterCronTask(id, schedule string, handler func(ctx context.Context) error) error {
	iv, err := interval.Parse(schedule)
	if err != nil {
		return errors.Annotatef(err, "cron task %q", id)
	}
	return errors.Trace(s.cron.Register(&cron.Task{
		ID:       id,
		Interval: iv,
		Handler:  handler,
	}))
}

// StartReactiveTasks starts the worker pool on this instance and joins the
// planner leader election.
func (s *Scheduler) StartReactiveTasks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return errors.Errorf("reactive tasks already started")
	}
	if s.registry.Empty() {
		return errors.Errorf("no reactive tasks registered")
	}

	if err := reactive.EnsureIndexes(ctx, s.opts.DB, s.registry); err != nil {
		return errors.Trace(err)
	}
	if err := s.locker.EnsureIndexes(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := s.meta.Ensure(ctx); err != nil {
		return errors.Trace(err)
	}

	worker, err := reactive.NewWorker(reactive.WorkerConfig{
		DB:                s.opts.DB,
		Registry:          s.registry,
		Clock:             s.opts.Clock,
		Logger:            s.opts.Logger,
		Notify:            s.emit,
		VisibilityTimeout: s.opts.VisibilityTimeout,
		TaskFilter:        s.opts.TaskFilter,
		Caller:            s.opts.Caller,
	})
	if err != nil {
		return errors.Trace(err)
	}
	runner, err := poller.NewRunner(poller.Config{
		Clock:       s.opts.Clock,
		Logger:      s.opts.Logger,
		Concurrency: s.opts.WorkerConcurrency,
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, coll := range s.registry.ItemsCollections() {
		if err := runner.Register(coll, poller.SourceConfig{
			MinPoll: s.opts.WorkerMinPoll,
			MaxPoll: s.opts.WorkerMaxPoll,
			Jitter:  s.opts.WorkerMinPoll,
		}); err != nil {
			return errors.Trace(err)
		}
	}
	// The poll context comes from the runner, not from the caller: the
	// startup context may be short-lived, while claims run for as long as
	// the worker pool does.
	if err := runner.Start(func(ctx context.Context, src string) {
		processed, err := worker.TryRun(ctx, src)
		if err != nil {
			s.opts.Logger.Errorf("processing items from %q: %v", src, err)
		}
		if processed {
			runner.SpeedUp(src)
		}
	}); err != nil {
		return errors.Trace(err)
	}

	elector, err := leader.New(leader.Config{
		Store:          s.meta,
		InstanceID:     s.opts.InstanceID,
		Clock:          s.opts.Clock,
		Logger:         s.opts.Logger,
		TTL:            s.opts.LeaderTTL,
		OnBecomeLeader: s.startPlanner,
		OnLoseLeader:   s.stopPlanner,
	})
	if err != nil {
		runner.Kill()
		_ = runner.Wait()
		return errors.Trace(err)
	}

	s.worker = worker
	s.runner = runner
	s.elector = elector
	return nil
}

// StopReactiveTasks surrenders leadership, stops the planner if running,
// and winds the worker pool down.
func (s *Scheduler) StopReactiveTasks() error {
	s.mu.Lock()
	elector, runner := s.elector, s.runner
	s.elector, s.runner, s.worker = nil, nil, nil
	s.mu.Unlock()

	var firstErr error
	if elector != nil {
		elector.Kill()
		if err := elector.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// The elector's shutdown path stops the planner via OnLoseLeader;
	// stop it again in case leadership was never held.
	s.stopPlanner()
	if runner != nil {
		runner.Kill()
		if err := runner.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}

// startPlanner runs on winning the leader election.
func (s *Scheduler) startPlanner() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planner != nil {
		return
	}
	s.emit(events.Event{Code: events.LeaderElected, Detail: s.opts.InstanceID})
	s.metrics.setLeader(true)

	planner, err := reactive.NewPlanner(reactive.PlannerConfig{
		DB:              s.opts.DB,
		Registry:        s.registry,
		Meta:            s.meta,
		Locker:          s.locker,
		WakeWorkers:     s.wakeWorkers,
		Clock:           s.opts.Clock,
		Logger:          s.opts.Logger,
		Notify:          s.emit,
		InstanceID:      s.opts.InstanceID,
		BatchSize:       s.opts.BatchSize,
		BatchWindow:     s.opts.BatchWindow,
		CleanupInterval: s.opts.CleanupInterval,
	})
	if err != nil {
		s.opts.Logger.Errorf("starting planner: %v", err)
		return
	}
	s.planner = planner

	// A planner that dies on its own (stream trouble, DB loss) surrenders
	// leadership so a healthier instance can take over.
	elector := s.elector
	go func() {
		err := planner.Wait()
		s.mu.Lock()
		current := s.planner == planner
		if current {
			s.planner = nil
		}
		s.mu.Unlock()
		if err != nil && current {
			s.opts.Logger.Errorf("planner failed, surrendering leadership: %v", err)
			if elector != nil {
				elector.ForceLoseLeader()
			}
		}
	}()
}

// stopPlanner runs on losing the leader election.
func (s *Scheduler) stopPlanner() {
	s.mu.Lock()
	planner := s.planner
	s.planner = nil
	s.mu.Unlock()
	s.metrics.setLeader(false)
	if planner == nil {
		return
	}
	s.emit(events.Event{Code: events.LeaderLockLost, Detail: s.opts.InstanceID})
	planner.Kill()
	if err := planner.Wait(); err != nil {
		s.opts.Logger.Warningf("stopping planner: %v", err)
	}
}

func (s *Scheduler) wakeWorkers(itemsCollection string) {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner != nil {
		runner.SpeedUp(itemsCollection)
	}
}

// StartCronTasks persists the registered cron schedules and starts
// claiming due tasks on this instance.
func (s *Scheduler) StartCronTasks(ctx context.Context) error {
	if err := s.cron.EnsureIndexes(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.cron.Start(ctx))
}

// StopCronTasks stops claiming cron tasks and waits for an in-flight run.
func (s *Scheduler) StopCronTasks() error {
	return errors.Trace(s.cron.Stop())
}

// GetReactiveTasks lists work items matching the query, newest first.
func (s *Scheduler) GetReactiveTasks(ctx context.Context, q item.Query) (*item.Page, error) {
	page, err := s.manager.List(ctx, q)
	return page, errors.Trace(err)
}

// GetReactiveTasksCount aggregates item counts by status per task.
func (s *Scheduler) GetReactiveTasksCount(ctx context.Context, tasks ...string) ([]item.StatusCounts, error) {
	counts, err := s.manager.Stats(ctx, tasks)
	return counts, errors.Trace(err)
}

// RetryReactiveTasks resets matching failed items to pending and reports
// how many were reset.
func (s *Scheduler) RetryReactiveTasks(ctx context.Context, q item.Query) (int64, error) {
	n, err := s.manager.Retry(ctx, q)
	if n > 0 {
		s.wakeWorkersAll()
	}
	return n, errors.Trace(err)
}

func (s *Scheduler) wakeWorkersAll() {
	for _, coll := range s.registry.ItemsCollections() {
		s.wakeWorkers(coll)
	}
}

// GetCronTasksList returns the persisted cron schedule documents.
func (s *Scheduler) GetCronTasksList(ctx context.Context) ([]corecron.TaskDoc, error) {
	docs, err := s.cron.List(ctx)
	return docs, errors.Trace(err)
}

// TriggerCronTask schedules the cron task to run as soon as any instance
// claims it.
func (s *Scheduler) TriggerCronTask(ctx context.Context, id string) error {
	return errors.Trace(s.cron.ScheduleImmediately(ctx, id))
}

// RunCronTask runs the cron task on this instance and waits for it. It
// fails if the task is already running anywhere.
func (s *Scheduler) RunCronTask(ctx context.Context, id string) error {
	return errors.Trace(s.cron.RunTask(ctx, id))
}

// WithLock runs fn under a named distributed lock with a heartbeat-renewed
// TTL, waiting a bounded time for contended locks. ErrLockHeld reports a
// lock that stayed taken.
func (s *Scheduler) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return errors.Trace(s.locker.With(ctx, "user:"+key, lock.Options{}, fn))
}

// WithLockFor is WithLock with an explicit lock TTL and acquisition wait.
func (s *Scheduler) WithLockFor(ctx context.Context, key string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	return errors.Trace(s.locker.With(ctx, "user:"+key, lock.Options{
		ExpireIn: ttl,
		MaxWait:  maxWait,
	}, fn))
}

// DashboardHandler returns an http.Handler serving the dashboard REST API,
// for mounting into the embedder's own server.
func (s *Scheduler) DashboardHandler() (http.Handler, error) {
	h, err := dashboard.NewHandler(&dashboardAPI{s}, s.opts.Clock, s.opts.Logger)
	return h, errors.Trace(err)
}

// IsLeader reports whether this instance currently runs the planner.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elector != nil && s.elector.IsLeader()
}

// dashboardAPI adapts the scheduler to the dashboard surface.
type dashboardAPI struct {
	s *Scheduler
}

func (a *dashboardAPI) Info(ctx context.Context) (dashboard.Info, error) {
	stats, err := a.s.manager.Stats(ctx, nil)
	if err != nil {
		return dashboard.Info{}, errors.Trace(err)
	}
	byTask := make(map[string]map[item.Status]int64, len(stats))
	for _, st := range stats {
		byTask[st.Task] = st.Counts
	}
	tasks := a.s.registry.Tasks()
	reactiveTasks := make([]dashboard.ReactiveTaskInfo, 0, len(tasks))
	for _, t := range tasks {
		reactiveTasks = append(reactiveTasks, dashboard.ReactiveTaskInfo{
			Name:       t.Name,
			Collection: t.Collection,
			Stats:      byTask[t.Name],
		})
	}

	docs, err := a.s.cron.List(ctx)
	if err != nil {
		return dashboard.Info{}, errors.Trace(err)
	}
	now := a.s.opts.Clock.Now()
	cronTasks := make([]dashboard.CronTaskInfo, 0, len(docs))
	for _, d := range docs {
		cronTasks = append(cronTasks, dashboard.CronTaskInfo{
			ID:           d.ID,
			Status:       d.Status(now),
			LastRunError: d.LastRunError(),
			NextRunAt:    d.RunSince,
		})
	}
	return dashboard.Info{
		Name:          a.s.opts.Name,
		InstanceID:    a.s.opts.InstanceID,
		DatabaseName:  a.s.opts.DB.Name(),
		Leader:        a.s.IsLeader(),
		ReactiveTasks: reactiveTasks,
		CronTasks:     cronTasks,
	}, nil
}

func (a *dashboardAPI) ListItems(ctx context.Context, q item.Query) (*item.Page, error) {
	return a.s.GetReactiveTasks(ctx, q)
}

func (a *dashboardAPI) ItemStats(ctx context.Context, tasks []string) ([]item.StatusCounts, error) {
	return a.s.GetReactiveTasksCount(ctx, tasks...)
}

func (a *dashboardAPI) RetryItems(ctx context.Context, q item.Query) (int64, error) {
	return a.s.RetryReactiveTasks(ctx, q)
}

func (a *dashboardAPI) ListCronTasks(ctx context.Context) ([]corecron.TaskDoc, error) {
	return a.s.GetCronTasksList(ctx)
}

func (a *dashboardAPI) TriggerCronTask(ctx context.Context, id string) error {
	return a.s.TriggerCronTask(ctx, id)
}
