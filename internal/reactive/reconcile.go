// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/task"
)

// reconcile runs the pending full scans recorded in the coordination
// document: for every source collection with tasks awaiting reconciliation
// it pages through the documents in _id order and pushes each page through
// the planning pipeline. Progress is checkpointed per collection so a
// leader change resumes the scan instead of restarting it, as long as the
// pending task set is unchanged.
func (p *Planner) reconcile(ctx context.Context, doc *metaDoc) error {
	pending := map[string][]*task.Reactive{}
	for _, t := range p.cfg.Registry.Tasks() {
		if done, ok := doc.Reconciliation[t.Name]; ok && !done {
			pending[t.Collection] = append(pending[t.Collection], t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	collections := make([]string, 0, len(pending))
	for coll := range pending {
		collections = append(collections, coll)
	}
	sort.Strings(collections)

	for _, coll := range collections {
		tasks := pending[coll]
		names := set.NewStrings()
		for _, t := range tasks {
			names.Add(t.Name)
		}
		p.cfg.Notify.Emit(events.Event{Code: events.ReconciliationStarted, Detail: coll})
		p.cfg.Logger.Infof("reconciling collection %q for tasks %v", coll, names.SortedValues())

		var lastID interface{}
		if cp := doc.Checkpoints[coll]; cp != nil && sameNames(cp.TaskNames, names) {
			lastID = cp.LastID
		}
		if err := p.scanCollection(ctx, coll, tasks, names, lastID); err != nil {
			return errors.Trace(err)
		}
		if err := p.cfg.Meta.ClearCheckpoint(ctx, coll); err != nil {
			return errors.Trace(err)
		}
		now := p.cfg.Clock.Now()
		for _, t := range tasks {
			// A full cleanup pass trims items orphaned while we were
			// not watching, completing the catch-up.
			if _, err := p.cleanupFull(ctx, t); err != nil {
				return errors.Trace(err)
			}
			if err := p.cfg.Meta.MarkReconciled(ctx, t.Name, now); err != nil {
				return errors.Trace(err)
			}
			p.wakeAfter(t.ItemsCollection, t.Debounce)
		}
		p.cfg.Notify.Emit(events.Event{Code: events.ReconciliationFinished, Detail: coll})
	}
	return nil
}

func (p *Planner) scanCollection(ctx context.Context, coll string, tasks []*task.Reactive, names set.Strings, lastID interface{}) error {
	source := p.cfg.DB.Collection(coll)
	for {
		select {
		case <-p.tomb.Dying():
			// The checkpoint stays behind for the next leader.
			return tomb.ErrDying
		default:
		}
		q := bson.D{}
		if lastID != nil {
			q = bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: lastID}}}}
		}
		cur, err := source.Find(ctx, q, options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(p.cfg.ScanBatchSize)).
			SetProjection(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return errors.Trace(err)
		}
		var rows []struct {
			ID interface{} `bson:"_id"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return errors.Trace(err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]interface{}, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		for _, t := range tasks {
			if err := p.plan(ctx, t, ids); err != nil {
				return errors.Trace(err)
			}
		}
		lastID = ids[len(ids)-1]
		if err := p.cfg.Meta.SaveCheckpoint(ctx, coll, lastID, names.SortedValues()); err != nil {
			return errors.Trace(err)
		}
	}
}

func sameNames(stored []string, current set.Strings) bool {
	s := set.NewStrings(stored...)
	return s.Size() == current.Size() && s.Difference(current).IsEmpty()
}
