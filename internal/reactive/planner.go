// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/filter"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/logger"
	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/lock"
)

const (
	// DefaultBatchSize bounds how many change events one planning round
	// processes.
	DefaultBatchSize = 1000
	// DefaultBatchWindow bounds how long events accumulate before the
	// round runs.
	DefaultBatchWindow = 500 * time.Millisecond
	// DefaultCleanupInterval is how often the periodic cleanup pass runs.
	DefaultCleanupInterval = time.Hour
	// DefaultScanBatchSize pages reconciliation and cleanup scans.
	DefaultScanBatchSize = 500

	// tokenSaveInterval throttles idle resume token checkpoints.
	tokenSaveInterval = 10 * time.Second

	cleanupLockKey = "planner:cleanup"
)

// PlannerConfig holds a planner's dependencies. A planner runs only on the
// elected leader; the facade starts one on winning the election and kills
// it on losing.
type PlannerConfig struct {
	DB       *mongo.Database
	Registry *Registry
	Meta     *Meta
	Locker   *lock.Locker

	// WakeWorkers nudges the worker pollers watching the given items
	// collection once freshly planned items come due.
	WakeWorkers func(itemsCollection string)

	Clock      clock.Clock
	Logger     logger.Logger
	Notify     events.Sink
	InstanceID string

	BatchSize       int
	BatchWindow     time.Duration
	CleanupInterval time.Duration
	ScanBatchSize   int
}

// Validate is part of the usual config contract.
func (c *PlannerConfig) Validate() error {
	if c.DB == nil {
		return errors.NotValidf("nil DB")
	}
	if c.Registry == nil || c.Registry.Empty() {
		return errors.NotValidf("empty Registry")
	}
	if c.Meta == nil {
		return errors.NotValidf("nil Meta")
	}
	if c.Locker == nil {
		return errors.NotValidf("nil Locker")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ScanBatchSize == 0 {
		c.ScanBatchSize = DefaultScanBatchSize
	}
	return nil
}

// Planner tails the change streams of all watched source collections and
// turns observed changes into debounced work item upserts. It also owns
// reconciliation scans and the periodic cleanup pass.
type Planner struct {
	tomb tomb.Tomb
	cfg  PlannerConfig

	lastTokenSave  time.Time
	nextCleanupDue time.Time
}

// NewPlanner starts a planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Planner{cfg: cfg}
	p.tomb.Go(p.loop)
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Planner) Kill() {
	p.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Planner) Wait() error {
	return p.tomb.Wait()
}

func (p *Planner) loop() error {
	ctx := p.tomb.Context(nil)
	p.cfg.Notify.Emit(events.Event{Code: events.PlannerStarted})
	defer p.cfg.Notify.Emit(events.Event{Code: events.PlannerStopped})

	if err := p.cfg.Meta.Ensure(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := p.checkEvolution(ctx); err != nil {
		return errors.Trace(err)
	}
	for {
		err := p.run(ctx)
		switch {
		case errors.Is(err, tomb.ErrDying), errors.Is(err, context.Canceled):
			return tomb.ErrDying
		case isHistoryLost(err):
			// The oplog no longer covers our resume point. Drop the
			// checkpoint, schedule full scans and reopen at the tip;
			// the scans recover whatever the gap swallowed.
			p.cfg.Logger.Warningf("change stream history lost, scheduling full reconciliation: %v", err)
			p.cfg.Notify.Emit(events.Event{Code: events.PlannerStreamError, Err: err})
			if err := p.cfg.Meta.ClearStreamState(ctx); err != nil {
				return errors.Trace(err)
			}
			if err := p.cfg.Meta.MarkReconcilePending(ctx, p.cfg.Registry.Names()...); err != nil {
				return errors.Trace(err)
			}
		case err != nil:
			return errors.Trace(err)
		}
	}
}

// run opens the change stream and plans batches until the stream breaks or
// the planner dies.
func (p *Planner) run(ctx context.Context) error {
	doc, err := p.cfg.Meta.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	cs, err := p.openStream(ctx, doc)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = cs.Close(context.Background()) }()

	// Checkpoint the opening position before scanning, so a crash during
	// reconciliation resumes behind the scan rather than after it.
	if tok := cs.ResumeToken(); len(tok) > 0 {
		if err := p.saveToken(ctx, tok, p.cfg.Clock.Now()); err != nil {
			return errors.Trace(err)
		}
	}

	// Pending reconciliation scans run while the open stream buffers
	// concurrent changes behind us, so nothing is missed in between.
	if err := p.reconcile(ctx, doc); err != nil {
		return errors.Trace(err)
	}

	batch := newEventBatch()
	var flushAt time.Time
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		if err := p.maybeCleanup(ctx); err != nil {
			return errors.Trace(err)
		}

		// TryNext waits up to MaxAwaitTime server side, so an idle
		// stream still lets the loop breathe once per batch window.
		if cs.TryNext(ctx) {
			ev, err := decodeEvent(cs.Current)
			if err != nil {
				return errors.Trace(err)
			}
			batch.add(ev)
			if flushAt.IsZero() {
				flushAt = p.cfg.Clock.Now().Add(p.cfg.BatchWindow)
			}
			for batch.size < p.cfg.BatchSize && cs.RemainingBatchLength() > 0 && cs.TryNext(ctx) {
				ev, err := decodeEvent(cs.Current)
				if err != nil {
					return errors.Trace(err)
				}
				batch.add(ev)
			}
		}
		if err := cs.Err(); err != nil {
			return errors.Trace(err)
		}

		switch {
		case batch.size >= p.cfg.BatchSize,
			batch.size > 0 && !p.cfg.Clock.Now().Before(flushAt):
			if err := p.flush(ctx, batch, cs.ResumeToken()); err != nil {
				return errors.Trace(err)
			}
			batch = newEventBatch()
			flushAt = time.Time{}
		case batch.size == 0:
			// Idle: advance the checkpoint occasionally so a restart
			// does not replay a long quiet stretch.
			if tok := cs.ResumeToken(); len(tok) > 0 &&
				p.cfg.Clock.Now().Sub(p.lastTokenSave) >= tokenSaveInterval {
				if err := p.saveToken(ctx, tok, p.cfg.Clock.Now()); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
}

func (p *Planner) openStream(ctx context.Context, doc *metaDoc) (*mongo.ChangeStream, error) {
	var match bson.A
	for _, coll := range p.cfg.Registry.Collections() {
		var ors bson.A
		for _, t := range p.cfg.Registry.TasksForCollection(coll) {
			ors = append(ors, filter.PrefixQuery(t.Filter.Query(), "fullDocument"))
		}
		match = append(match,
			bson.D{
				{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
				{Key: "ns.coll", Value: coll},
				{Key: "$or", Value: ors},
			},
			bson.D{
				{Key: "operationType", Value: "delete"},
				{Key: "ns.coll", Value: coll},
			},
		)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: match}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "operationType", Value: 1},
			{Key: "ns", Value: 1},
			{Key: "documentKey", Value: 1},
			{Key: "clusterTime", Value: 1},
		}}},
	}
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(p.cfg.BatchWindow)
	if doc.Stream != nil && len(doc.Stream.ResumeToken) > 0 {
		opts.SetResumeAfter(doc.Stream.ResumeToken)
	}
	cs, err := p.cfg.DB.Watch(ctx, pipeline, opts)
	return cs, errors.Trace(err)
}

// flush plans one accumulated batch: upserts through the planning pipeline,
// deletions through scoped cleanup, then checkpoints the stream position
// and schedules worker wake-ups after each task's debounce.
func (p *Planner) flush(ctx context.Context, batch *eventBatch, token bson.Raw) error {
	wake := map[string]time.Duration{}
	for coll, ops := range batch.groups {
		var upserts, deletes []interface{}
		for _, op := range ops {
			if op.deleted {
				deletes = append(deletes, op.id)
			} else {
				upserts = append(upserts, op.id)
			}
		}
		for _, t := range p.cfg.Registry.TasksForCollection(coll) {
			if len(upserts) > 0 {
				if err := p.plan(ctx, t, upserts); err != nil {
					return errors.Trace(err)
				}
				if d, ok := wake[t.ItemsCollection]; !ok || t.Debounce < d {
					wake[t.ItemsCollection] = t.Debounce
				}
			}
			if len(deletes) > 0 {
				if _, err := p.cleanupScoped(ctx, t, deletes); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
	if len(token) > 0 {
		if err := p.saveToken(ctx, token, batch.lastClusterTime); err != nil {
			return errors.Trace(err)
		}
	}
	for coll, debounce := range wake {
		p.wakeAfter(coll, debounce)
	}
	p.cfg.Logger.Debugf("planned batch of %d change events across %d collections",
		batch.size, len(batch.groups))
	return nil
}

// plan runs the planning pipeline for one task against the given source
// document ids. $merge produces no cursor output; closing it is enough.
func (p *Planner) plan(ctx context.Context, t *task.Reactive, ids []interface{}) error {
	cur, err := p.cfg.DB.Collection(t.Collection).Aggregate(ctx, planItems(t, ids))
	if err != nil {
		return errors.Annotatef(err, "planning task %q", t.Name)
	}
	return errors.Trace(cur.Close(ctx))
}

// wakeAfter nudges the workers of an items collection once the debounce
// window of the freshly planned items has passed.
func (p *Planner) wakeAfter(itemsCollection string, debounce time.Duration) {
	if p.cfg.WakeWorkers == nil {
		return
	}
	p.tomb.Go(func() error {
		select {
		case <-p.tomb.Dying():
		case <-p.cfg.Clock.After(debounce):
			p.cfg.WakeWorkers(itemsCollection)
		}
		return nil
	})
}

func (p *Planner) saveToken(ctx context.Context, token bson.Raw, clusterTime time.Time) error {
	if err := p.cfg.Meta.SaveStreamState(ctx, token, clusterTime); err != nil {
		return errors.Trace(err)
	}
	p.lastTokenSave = p.cfg.Clock.Now()
	return nil
}

// changeEvent is the projected change stream document.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
}

func decodeEvent(raw bson.Raw) (changeEvent, error) {
	var ev changeEvent
	err := bson.Unmarshal(raw, &ev)
	return ev, errors.Trace(err)
}

// changeOp is the net effect of all batched events on one source document.
type changeOp struct {
	id      interface{}
	deleted bool
}

// eventBatch coalesces change events per source document: many updates to
// one document plan once, and an update followed by a delete nets out to
// the delete.
type eventBatch struct {
	groups          map[string]map[string]changeOp
	size            int
	lastClusterTime time.Time
}

func newEventBatch() *eventBatch {
	return &eventBatch{groups: make(map[string]map[string]changeOp)}
}

func (b *eventBatch) add(ev changeEvent) {
	ops, ok := b.groups[ev.NS.Coll]
	if !ok {
		ops = make(map[string]changeOp)
		b.groups[ev.NS.Coll] = ops
	}
	key := item.Key(ev.DocumentKey.ID)
	if _, seen := ops[key]; !seen {
		b.size++
	}
	ops[key] = changeOp{
		id:      ev.DocumentKey.ID,
		deleted: ev.OperationType == "delete",
	}
	if t := time.Unix(int64(ev.ClusterTime.T), 0); t.After(b.lastClusterTime) {
		b.lastClusterTime = t
	}
}

// isHistoryLost recognises the server telling us the oplog no longer holds
// our resume point (ChangeStreamFatalError or ChangeStreamHistoryLost).
func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(280) || se.HasErrorCode(286)
	}
	return false
}
