// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lock implements a TTL-based distributed mutex over a document
// collection. A lock is a single document keyed by the lock name; the store
// evicts abandoned locks via a TTL index on expiresAt, and holders renew
// their claim with a continuous heartbeat.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/retry.v1"

	"github.com/docket-dev/docket/core/logger"
)

// ErrLockHeld is returned by Acquire when the lock could not be obtained
// within the wait budget.
const ErrLockHeld = errors.ConstError("lock already acquired")

const (
	// DefaultExpireIn is the lock TTL; holders renew at a fifth of it.
	DefaultExpireIn = 15 * time.Second
	// DefaultMaxWait bounds how long Acquire blocks retrying.
	DefaultMaxWait = 3 * time.Second
	// DefaultStartingDelay seeds the contention backoff.
	DefaultStartingDelay = 50 * time.Millisecond
)

// Options tune a single acquisition.
type Options struct {
	// ExpireIn is how long the lock lives without renewal.
	ExpireIn time.Duration
	// MaxWait bounds the total time spent retrying a contended lock.
	MaxWait time.Duration
	// StartingDelay is the initial contention backoff, doubled with
	// jitter up to MaxWait/3.
	StartingDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.ExpireIn <= 0 {
		o.ExpireIn = DefaultExpireIn
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.StartingDelay <= 0 {
		o.StartingDelay = DefaultStartingDelay
	}
}

// LockerConfig holds a Locker's dependencies.
type LockerConfig struct {
	Collection *mongo.Collection
	Clock      clock.Clock
	Logger     logger.Logger

	// OnError observes heartbeat failures, if set.
	OnError func(error)
}

// Validate is part of the usual config contract.
func (c LockerConfig) Validate() error {
	if c.Collection == nil {
		return errors.NotValidf("nil Collection")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Locker hands out distributed locks backed by one collection.
type Locker struct {
	cfg LockerConfig
}

// NewLocker returns a Locker using the supplied collection.
func NewLocker(cfg LockerConfig) (*Locker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Locker{cfg: cfg}, nil
}

// EnsureIndexes creates the TTL index that evicts abandoned locks.
func (l *Locker) EnsureIndexes(ctx context.Context) error {
	_, err := l.cfg.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return errors.Annotate(err, "creating lock TTL index")
}

type lockDoc struct {
	Key       string    `bson:"_id"`
	LockID    string    `bson:"lockId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// Acquire obtains the named lock, blocking up to opts.MaxWait while it is
// contended. Backoff between attempts is exponential with jitter, capped at
// a third of the budget, and one final attempt is made at the deadline so
// the full budget is always used. It returns ErrLockHeld once the budget
// is exhausted.
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts.applyDefaults()
	lockID := uuid.NewString()

	strategy := retry.LimitTime(opts.MaxWait, retry.Exponential{
		Initial:  opts.StartingDelay,
		MaxDelay: opts.MaxWait / 3,
		Jitter:   true,
	})
	for a := retry.StartWithCancel(strategy, l.cfg.Clock, ctx.Done()); a.Next(); {
		held, err := l.tryAcquire(ctx, key, lockID, opts.ExpireIn)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if held {
			return l.newLock(key, lockID, opts)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	// The budget has elapsed; the strategy's last sleep was trimmed to
	// fit, so one more attempt is still inside it.
	held, err := l.tryAcquire(ctx, key, lockID, opts.ExpireIn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if held {
		return l.newLock(key, lockID, opts)
	}
	return nil, errors.Annotatef(ErrLockHeld, "key %q", key)
}

// tryAcquire performs the conditional upsert: replace the lock document iff
// it is expired. A duplicate key failure means a live holder exists.
func (l *Locker) tryAcquire(ctx context.Context, key, lockID string, expireIn time.Duration) (bool, error) {
	now := l.cfg.Clock.Now()
	_, err := l.cfg.Collection.ReplaceOne(ctx,
		bson.D{
			{Key: "_id", Value: key},
			{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: now}}},
		},
		lockDoc{Key: key, LockID: lockID, ExpiresAt: now.Add(expireIn)},
		options.Replace().SetUpsert(true),
	)
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	// Unknown failure: we cannot tell whether the write landed, so make a
	// best-effort attempt to remove our own lock before propagating.
	delCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = l.cfg.Collection.DeleteOne(delCtx, bson.D{
		{Key: "_id", Value: key},
		{Key: "lockId", Value: lockID},
	})
	return false, errors.Annotatef(err, "acquiring lock %q", key)
}

func (l *Locker) newLock(key, lockID string, opts Options) (*Lock, error) {
	hb, err := NewHeartbeat(HeartbeatConfig{
		Clock:    l.cfg.Clock,
		Logger:   l.cfg.Logger,
		Interval: opts.ExpireIn / 5,
		OnError:  l.cfg.OnError,
		Renew: func(ctx context.Context) error {
			_, err := l.cfg.Collection.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: key}, {Key: "lockId", Value: lockID}},
				bson.D{{Key: "$set", Value: bson.D{
					{Key: "expiresAt", Value: l.cfg.Clock.Now().Add(opts.ExpireIn)},
				}}},
			)
			return errors.Trace(err)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Lock{locker: l, key: key, lockID: lockID, heartbeat: hb}, nil
}

// With runs fn while holding the named lock, releasing it on all exit
// paths.
func (l *Locker) With(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := lk.Release(context.Background()); err != nil {
			l.cfg.Logger.Warningf("releasing lock %q: %v", key, err)
		}
	}()
	return fn(ctx)
}

// Lock is a held distributed lock.
type Lock struct {
	locker    *Locker
	key       string
	lockID    string
	heartbeat *Heartbeat

	mu       sync.Mutex
	released bool
}

// Release stops the heartbeat and removes the lock document. It is
// idempotent.
func (lk *Lock) Release(ctx context.Context) error {
	lk.mu.Lock()
	if lk.released {
		lk.mu.Unlock()
		return nil
	}
	lk.released = true
	lk.mu.Unlock()

	lk.heartbeat.Kill()
	_ = lk.heartbeat.Wait()
	_, err := lk.locker.cfg.Collection.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: lk.key},
		{Key: "lockId", Value: lk.lockID},
	})
	return errors.Annotatef(err, "releasing lock %q", lk.key)
}
