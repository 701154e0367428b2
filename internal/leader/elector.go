// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package leader elects exactly one leader per process group. Contenders
// share a lock field on a coordination document; each elector periodically
// runs an atomic claim-or-renew against it and derives leadership changes
// from the holder it reads back.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/logger"
)

const (
	// DefaultTTL is how long a leader lock lives without renewal.
	DefaultTTL = 30 * time.Second
)

// Store is the persistence surface the elector contends on.
type Store interface {
	// AcquireOrRenew atomically sets the lock to (instanceID, now+ttl)
	// iff the lock is missing, expired, or already held by instanceID,
	// and returns the holder after the attempt.
	AcquireOrRenew(ctx context.Context, instanceID string, ttl time.Duration) (holder string, err error)

	// Release removes the lock iff held by instanceID.
	Release(ctx context.Context, instanceID string) error
}

// Config holds the elector's dependencies.
type Config struct {
	Store      Store
	InstanceID string
	Clock      clock.Clock
	Logger     logger.Logger

	// TTL defaults to 30s; HeartbeatInterval defaults to TTL/3.
	TTL               time.Duration
	HeartbeatInterval time.Duration

	// OnBecomeLeader and OnLoseLeader observe leadership transitions;
	// OnHeartbeat fires on every successful renewal while leader.
	OnBecomeLeader func()
	OnLoseLeader   func()
	OnHeartbeat    func()
}

// Validate is part of the usual config contract.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.InstanceID == "" {
		return errors.NotValidf("empty InstanceID")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.TTL < 0 {
		return errors.NotValidf("negative TTL")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.TTL / 3
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval > c.TTL {
		return errors.NotValidf("heartbeat interval %v against TTL %v", c.HeartbeatInterval, c.TTL)
	}
	return nil
}

// Elector contends for leadership until killed.
type Elector struct {
	tomb tomb.Tomb
	cfg  Config

	mu       sync.Mutex
	isLeader bool

	forceLose chan struct{}
}

// New starts an elector. The first claim attempt happens immediately, then
// every HeartbeatInterval.
func New(cfg Config) (*Elector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Elector{
		cfg:       cfg,
		forceLose: make(chan struct{}, 1),
	}
	e.tomb.Go(e.loop)
	return e, nil
}

// IsLeader reports whether this instance currently believes it leads.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// ForceLoseLeader surrenders leadership so another contender can take over,
// e.g. after a change-stream failure that a different replica might not
// share. The elector keeps contending on subsequent ticks.
func (e *Elector) ForceLoseLeader() {
	select {
	case e.forceLose <- struct{}{}:
	default:
	}
}

// Kill is part of the worker.Worker interface.
func (e *Elector) Kill() {
	e.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Elector) Wait() error {
	return e.tomb.Wait()
}

func (e *Elector) loop() error {
	ctx := e.tomb.Context(nil)
	e.tick(ctx)
	for {
		select {
		case <-e.tomb.Dying():
			e.surrender(context.Background())
			return tomb.ErrDying
		case <-e.forceLose:
			e.surrender(ctx)
		case <-e.cfg.Clock.After(e.cfg.HeartbeatInterval):
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	holder, err := e.cfg.Store.AcquireOrRenew(ctx, e.cfg.InstanceID, e.cfg.TTL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.cfg.Logger.Warningf("leader claim failed: %v", err)
		// We cannot prove we still hold the lock, so assume we don't;
		// planner work requires certainty, contending again is cheap.
		e.setLeader(false)
		return
	}
	if holder == e.cfg.InstanceID {
		if e.setLeader(true) && e.cfg.OnBecomeLeader != nil {
			e.cfg.OnBecomeLeader()
		}
		if e.cfg.OnHeartbeat != nil {
			e.cfg.OnHeartbeat()
		}
		return
	}
	e.setLeader(false)
}

// surrender releases the lock if held so another contender wins promptly.
func (e *Elector) surrender(ctx context.Context) {
	wasLeader := e.IsLeader()
	if !wasLeader {
		return
	}
	if err := e.cfg.Store.Release(ctx, e.cfg.InstanceID); err != nil && ctx.Err() == nil {
		e.cfg.Logger.Warningf("releasing leader lock: %v", err)
	}
	e.setLeader(false)
}

// setLeader updates local state and fires OnLoseLeader on a true-to-false
// transition. It returns true on a false-to-true transition, leaving the
// become callback to the caller so heartbeats follow it.
func (e *Elector) setLeader(leader bool) bool {
	e.mu.Lock()
	was := e.isLeader
	e.isLeader = leader
	e.mu.Unlock()
	if was && !leader && e.cfg.OnLoseLeader != nil {
		e.cfg.OnLoseLeader()
	}
	return !was && leader
}
