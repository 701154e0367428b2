// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package poller implements a multi-source adaptive polling runner. A fixed
// pool of workers services a set of registered sources, each with its own
// exponential backoff between polls, so idle sources are probed rarely
// while busy ones can be sped up on demand with a wake-up signal.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/logger"
)

// idleWait is how long a worker sleeps when no sources are registered.
const idleWait = time.Second

// SourceConfig tunes the poll cadence of one source.
type SourceConfig struct {
	// MinPoll is the backoff floor, used right after work was found.
	MinPoll time.Duration
	// MaxPoll is the backoff ceiling for idle sources.
	MaxPoll time.Duration
	// Jitter randomises each wait by up to this much, de-synchronising
	// processes that share a database.
	Jitter time.Duration
}

// Validate is part of the usual config contract.
func (c SourceConfig) Validate() error {
	if c.MinPoll <= 0 {
		return errors.NotValidf("non-positive MinPoll")
	}
	if c.MaxPoll < c.MinPoll {
		return errors.NotValidf("MaxPoll %v below MinPoll %v", c.MaxPoll, c.MinPoll)
	}
	if c.Jitter < 0 {
		return errors.NotValidf("negative Jitter")
	}
	return nil
}

// Config holds the runner's dependencies.
type Config struct {
	Clock       clock.Clock
	Logger      logger.Logger
	Concurrency int
}

// Validate is part of the usual config contract.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Concurrency <= 0 {
		return errors.NotValidf("non-positive Concurrency")
	}
	return nil
}

type source struct {
	name      string
	cfg       SourceConfig
	nextRunAt time.Time
	backoff   time.Duration
}

// Runner schedules polling of registered sources across a worker pool.
type Runner struct {
	cfg  Config
	tomb tomb.Tomb

	// wake holds at most one pending wake-up; a send releases one
	// sleeping worker.
	wake chan struct{}

	mu      sync.Mutex
	sources map[string]*source
	started bool
}

// NewRunner returns a stopped runner; call Start to launch the workers.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Runner{
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		sources: make(map[string]*source),
	}, nil
}

// Register adds a polling source. Registering the same name twice is an
// error; use HasSource to probe first when registration is data driven.
func (r *Runner) Register(name string, cfg SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		return errors.AlreadyExistsf("polling source %q", name)
	}
	r.sources[name] = &source{
		name:    name,
		cfg:     cfg,
		backoff: cfg.MinPoll,
	}
	// Before Start there is nobody to wake, and a banked token would make
	// the first sleeping worker spin through an extra empty poll.
	if r.started {
		r.wakeOne()
	}
	return nil
}

// HasSource reports whether the named source is registered.
func (r *Runner) HasSource(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[name]
	return ok
}

// Start launches the worker pool. Each worker repeatedly picks the source
// with the earliest deadline and runs tryRun for it; the source's next
// deadline is advanced before tryRun is called, so an unproductive poll
// naturally backs off without a thundering herd. The context handed to
// tryRun lives as long as the runner and is cancelled when it is killed.
func (r *Runner) Start(tryRun func(ctx context.Context, sourceName string)) error {
	if tryRun == nil {
		return errors.NotValidf("nil tryRun")
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.AlreadyExistsf("runner workers")
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.cfg.Concurrency; i++ {
		r.tomb.Go(func() error {
			r.work(tryRun)
			return nil
		})
	}
	return nil
}

// SpeedUp resets the named source's backoff to its floor and makes it due
// immediately, waking one sleeping worker. Callers use it when they know
// new work has just been produced. Unknown sources are ignored.
func (r *Runner) SpeedUp(name string) {
	r.mu.Lock()
	src, ok := r.sources[name]
	if ok {
		src.backoff = src.cfg.MinPoll
		src.nextRunAt = r.cfg.Clock.Now()
	}
	r.mu.Unlock()
	if ok {
		r.wakeOne()
	}
}

// Kill is part of the worker.Worker interface.
func (r *Runner) Kill() {
	r.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Runner) Wait() error {
	return r.tomb.Wait()
}

// Stop kills the runner and waits for in-flight polls to finish.
func (r *Runner) Stop() error {
	r.Kill()
	return errors.Trace(r.Wait())
}

func (r *Runner) work(tryRun func(context.Context, string)) {
	ctx := r.tomb.Context(nil)
	for {
		select {
		case <-r.tomb.Dying():
			return
		default:
		}
		name, wait := r.next()
		if name != "" {
			tryRun(ctx, name)
			continue
		}
		select {
		case <-r.tomb.Dying():
			return
		case <-r.cfg.Clock.After(wait):
		case <-r.wake:
		}
	}
}

// next picks the source with the earliest deadline. If it is due its
// deadline is advanced by the current backoff (plus jitter) and the backoff
// doubled, then the name is returned; otherwise next returns how long to
// sleep.
func (r *Runner) next() (string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest *source
	for _, src := range r.sources {
		if earliest == nil || src.nextRunAt.Before(earliest.nextRunAt) {
			earliest = src
		}
	}
	if earliest == nil {
		return "", idleWait
	}
	now := r.cfg.Clock.Now()
	if earliest.nextRunAt.After(now) {
		return "", earliest.nextRunAt.Sub(now)
	}
	delay := earliest.backoff
	if earliest.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(earliest.cfg.Jitter)))
	}
	earliest.nextRunAt = now.Add(delay)
	earliest.backoff *= 2
	if earliest.backoff > earliest.cfg.MaxPoll {
		earliest.backoff = earliest.cfg.MaxPoll
	}
	return earliest.name, 0
}

func (r *Runner) wakeOne() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
